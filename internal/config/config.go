package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema          string        `mapstructure:"DB_SCHEMA"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	QueueName         string        `mapstructure:"QUEUE_NAME"`
	StatusBatchSize   int           `mapstructure:"STATUS_BATCH_SIZE"`
	StatusWorkers     int           `mapstructure:"STATUS_WORKERS"`
	UpsertRetries     int           `mapstructure:"STATUS_UPSERT_RETRIES"`
	ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	Timezone          string        `mapstructure:"TIMEZONE"`
	AcademicYearsBack int           `mapstructure:"ACADEMIC_YEARS_BACK"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	WebhookURLs       string        `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret     string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookTimeout    time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	WebhookAttempts   int           `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("QUEUE_NAME", "vaxstatus:recompute")
	v.SetDefault("STATUS_BATCH_SIZE", 1000)
	v.SetDefault("STATUS_WORKERS", 4)
	v.SetDefault("STATUS_UPSERT_RETRIES", 3)
	v.SetDefault("RECONCILE_INTERVAL", "24h")
	v.SetDefault("TIMEZONE", "Europe/London")
	v.SetDefault("ACADEMIC_YEARS_BACK", 1)
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
		"REDIS_URL", "QUEUE_NAME",
		"STATUS_BATCH_SIZE", "STATUS_WORKERS", "STATUS_UPSERT_RETRIES",
		"RECONCILE_INTERVAL", "TIMEZONE", "ACADEMIC_YEARS_BACK",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
		"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_TIMEOUT", "WEBHOOK_MAX_ATTEMPTS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location loads TIMEZONE, the zone academic years and session dates are
// reckoned in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// WebhookURLList splits WEBHOOK_URLS on commas, dropping blanks.
func (c *Config) WebhookURLList() []string {
	var out []string
	for _, u := range strings.Split(c.WebhookURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Validate checks that the configuration is usable before anything connects.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.StatusBatchSize <= 0 {
		return fmt.Errorf("STATUS_BATCH_SIZE must be positive, got %d", c.StatusBatchSize)
	}
	if c.StatusWorkers <= 0 {
		return fmt.Errorf("STATUS_WORKERS must be positive, got %d", c.StatusWorkers)
	}
	if c.UpsertRetries < 0 {
		return fmt.Errorf("STATUS_UPSERT_RETRIES must not be negative, got %d", c.UpsertRetries)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative, got %s", c.ReconcileInterval)
	}
	if c.AcademicYearsBack < 0 {
		return fmt.Errorf("ACADEMIC_YEARS_BACK must not be negative, got %d", c.AcademicYearsBack)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}
	if len(c.WebhookURLList()) > 0 {
		if c.WebhookAttempts <= 0 {
			return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be positive, got %d", c.WebhookAttempts)
		}
		if c.WebhookTimeout <= 0 {
			return fmt.Errorf("WEBHOOK_TIMEOUT must be positive, got %s", c.WebhookTimeout)
		}
	}
	return nil
}
