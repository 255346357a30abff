package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const pingTimeout = 5 * time.Second

// PoolStats is a snapshot of the connection pool.
type PoolStats struct {
	Total           int32  `json:"total_conns"`
	Idle            int32  `json:"idle_conns"`
	Acquired        int32  `json:"acquired_conns"`
	Max             int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func statsOf(pool *pgxpool.Pool) *PoolStats {
	s := pool.Stat()
	return &PoolStats{
		Total:           s.TotalConns(),
		Idle:            s.IdleConns(),
		Acquired:        s.AcquiredConns(),
		Max:             s.MaxConns(),
		AcquireCount:    s.AcquireCount(),
		AcquireDuration: s.AcquireDuration().String(),
	}
}

// Component adds a named entry to the health report, such as the
// expansion worker queue.
type Component struct {
	Name   string
	Report func() any
}

// HealthReport is the body of the health endpoints.
type HealthReport struct {
	Status     string         `json:"status"`
	Store      string         `json:"store"`
	Error      string         `json:"error,omitempty"`
	Pool       *PoolStats     `json:"pool,omitempty"`
	Components map[string]any `json:"components,omitempty"`
}

// HealthHandler pings the database and reports pool statistics plus the
// given components. A nil pool means the in-memory store, which is always
// healthy. An unreachable database answers 503.
func HealthHandler(pool *pgxpool.Pool, components ...Component) echo.HandlerFunc {
	return func(c echo.Context) error {
		report := HealthReport{Status: "healthy", Store: "memory"}
		if len(components) > 0 {
			report.Components = make(map[string]any, len(components))
			for _, comp := range components {
				report.Components[comp.Name] = comp.Report()
			}
		}
		if pool == nil {
			return c.JSON(http.StatusOK, report)
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()
		report.Store = "postgres"
		report.Pool = statsOf(pool)
		if err := pool.Ping(ctx); err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
