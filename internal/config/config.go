package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Storage backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	Store                 string        `mapstructure:"STORE"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir         string        `mapstructure:"MIGRATIONS_DIR"`
	DefaultLocale         string        `mapstructure:"DEFAULT_LOCALE"`
	AutoExpand            bool          `mapstructure:"AUTOEXPAND"`
	ExpansionWorkers      int           `mapstructure:"EXPANSION_WORKERS"`
	ExpansionWaitInterval time.Duration `mapstructure:"EXPANSION_WAIT_INTERVAL"`
	ExpansionWaitAttempts int           `mapstructure:"EXPANSION_WAIT_ATTEMPTS"`
	IndexWebhookURL       string        `mapstructure:"INDEX_WEBHOOK_URL"`
	IndexWebhookSecret    string        `mapstructure:"INDEX_WEBHOOK_SECRET"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL           string        `mapstructure:"AUTH_JWKS_URL"`
	BodyLimit             string        `mapstructure:"BODY_LIMIT"`
	BulkBodyLimit         string        `mapstructure:"BULK_BODY_LIMIT"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var defaults = map[string]any{
	"PORT":                    "8000",
	"ENV":                     "development",
	"LOG_LEVEL":               "info",
	"STORE":                   StorePostgres,
	"DB_MAX_CONNS":            20,
	"DB_MIN_CONNS":            5,
	"MIGRATIONS_DIR":          "",
	"DEFAULT_LOCALE":          "en",
	"AUTOEXPAND":              true,
	"EXPANSION_WORKERS":       4,
	"EXPANSION_WAIT_INTERVAL": "1s",
	"EXPANSION_WAIT_ATTEMPTS": 30,
	"BODY_LIMIT":              "1M",
	"BULK_BODY_LIMIT":         "10M",
	"REQUEST_TIMEOUT":         "30s",
}

var envKeys = []string{
	"DATABASE_URL",
	"INDEX_WEBHOOK_URL",
	"INDEX_WEBHOOK_SECRET",
	"AUTH_SIGNING_KEY",
	"AUTH_ISSUER",
	"AUTH_AUDIENCE",
	"AUTH_JWKS_URL",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// Bind explicitly so Unmarshal sees keys without defaults.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Store = strings.ToLower(cfg.Store)
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level returns the zerolog level for LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run. Outside
// development a token verification key (AUTH_SIGNING_KEY or AUTH_JWKS_URL)
// is required.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE is %q", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.ExpansionWorkers < 1 {
		return fmt.Errorf("EXPANSION_WORKERS must be at least 1, got %d", c.ExpansionWorkers)
	}
	if c.ExpansionWaitInterval <= 0 || c.ExpansionWaitAttempts < 1 {
		return fmt.Errorf("EXPANSION_WAIT_INTERVAL and EXPANSION_WAIT_ATTEMPTS must be positive")
	}
	if c.DefaultLocale == "" {
		return fmt.Errorf("DEFAULT_LOCALE must not be empty")
	}
	for key, limit := range map[string]string{"BODY_LIMIT": c.BodyLimit, "BULK_BODY_LIMIT": c.BulkBodyLimit} {
		if _, err := bytes.Parse(limit); err != nil || limit == "" {
			return fmt.Errorf("%s must be a size such as 1M, got %q", key, limit)
		}
	}
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	return nil
}
