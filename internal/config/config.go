// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Database (optional; enables the PostgreSQL export archive)
	DatabaseURL    string        `env:"DATABASE_URL"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLife  time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	MigrateOnStart bool          `env:"MIGRATE_ON_START" envDefault:"true"`

	// Sessions
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	EvictionSchedule   string        `env:"EVICTION_SCHEDULE" envDefault:"@every 1m"`

	// Rule files (embedded defaults when empty)
	PatternCatalogPath string `env:"PATTERN_CATALOG_PATH"`
	LoanRulesPath      string `env:"LOAN_RULES_PATH"`
	MaxRollovers       int    `env:"MAX_ROLLOVERS" envDefault:"4"`

	// Observability
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// HTTP
	CORSOrigins    []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	MaxBodyBytes   int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Rate limiting (per client IP; 0 disables)
	RateLimitRPM   int `env:"RATE_LIMIT_RPM" envDefault:"600"`
	RateLimitBurst int `env:"RATE_LIMIT_BURST" envDefault:"60"`
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive")
	}
	if strings.TrimSpace(c.EvictionSchedule) == "" {
		return fmt.Errorf("EVICTION_SCHEDULE is required")
	}
	if c.MaxRollovers < 0 {
		return fmt.Errorf("MAX_ROLLOVERS must not be negative")
	}
	if c.RateLimitRPM < 0 || (c.RateLimitRPM > 0 && c.RateLimitBurst <= 0) {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when RATE_LIMIT_RPM is set")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	if c.IsProduction() && len(c.CORSOrigins) == 1 && c.CORSOrigins[0] == "*" {
		return fmt.Errorf("CORS_ORIGINS must list explicit origins in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
