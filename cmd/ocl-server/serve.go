package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ocl/ocl/internal/config"
	"github.com/ocl/ocl/internal/domain/expansion"
	"github.com/ocl/ocl/internal/domain/reference"
	"github.com/ocl/ocl/internal/domain/terminology"
	"github.com/ocl/ocl/internal/platform/auth"
	"github.com/ocl/ocl/internal/platform/db"
	"github.com/ocl/ocl/internal/platform/indexer"
	"github.com/ocl/ocl/internal/platform/metrics"
	"github.com/ocl/ocl/internal/platform/middleware"
	"github.com/ocl/ocl/internal/platform/worker"
)

// storage bundles the store implementations selected by STORE.
type storage struct {
	pool       *pgxpool.Pool
	terms      terminology.Store
	members    terminology.MembershipWriter
	references reference.Repository
	expansions expansion.Repository
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn().Msg("using the in-memory store; data is lost on restart")
		mem := terminology.NewMemoryStore()
		return &storage{
			terms:      mem,
			members:    mem,
			references: reference.NewMemoryRepo(),
			expansions: expansion.NewMemoryRepo(mem),
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")
	store := terminology.NewStorePG(pool)
	return &storage{
		pool:       pool,
		terms:      store,
		members:    store,
		references: reference.NewRepoPG(pool),
		expansions: expansion.NewRepoPG(pool, store),
	}, nil
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) (indexer.Publisher, func(context.Context) error, error) {
	if cfg.IndexWebhookURL == "" {
		return indexer.NewLogPublisher(logger), func(context.Context) error { return nil }, nil
	}
	p, err := indexer.NewHTTPPublisher(cfg.IndexWebhookURL, cfg.IndexWebhookSecret, logger)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

// server is the assembled application.
type server struct {
	echo    *echo.Echo
	pool    *worker.Pool
	closeFn func(context.Context) error
}

func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, *storage, error) {
	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	m := metrics.NewMetrics(nil)
	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	workers := worker.NewPool(cfg.ExpansionWorkers, logger)

	resolver := reference.NewResolver(st.terms, reference.Config{DefaultLocale: cfg.DefaultLocale})
	refSvc := reference.NewService(resolver)
	materializer := expansion.NewMaterializer(st.expansions, st.references, st.terms, resolver, logger,
		expansion.Config{WaitInterval: cfg.ExpansionWaitInterval, WaitAttempts: cfg.ExpansionWaitAttempts})
	materializer.SetPublisher(publisher)
	materializer.SetMetrics(m)
	expSvc := expansion.NewService(materializer, refSvc, expansion.NewAsyncScheduler(workers, logger), logger,
		expansion.ServiceConfig{AutoExpand: cfg.AutoExpand})
	termSvc := terminology.NewService(st.terms, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(middleware.HeaderOptions{HSTS: !cfg.IsDev(), NoStorePrefix: "/api/"}))
	e.Use(m.Middleware())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BulkBodyLimit))
	if st.pool != nil {
		e.Use(db.ConnMiddleware(st.pool, cfg.RequestTimeout))
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		logger.Warn().Msg("development mode: all requests get admin access")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", db.HealthHandler(st.pool, db.Component{
		Name:   "expansion_workers",
		Report: func() any { return workers.Stats() },
	}))
	e.GET("/health/db", db.HealthHandler(st.pool))
	e.GET("/metrics", m.Handler())

	apiV1 := e.Group("/api/v1", middleware.RequestTimeout(cfg.RequestTimeout))
	reference.NewHandler(refSvc).RegisterRoutes(apiV1)
	terminology.NewHandler(termSvc).RegisterRoutes(apiV1)
	expansion.NewHandler(expSvc).RegisterRoutes(apiV1)

	return &server{echo: e, pool: workers, closeFn: closePublisher}, st, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	srv, st, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// Let in-flight recomputes finish before the publisher stops.
	if err := srv.pool.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("expansion workers did not drain")
	}
	if err := srv.closeFn(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("index publisher did not drain")
	}
	logger.Info().Msg("server stopped")
	return nil
}
