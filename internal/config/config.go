// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate    bool   // Apply embedded goose migrations on startup
	DBMaxOpenConns int

	// Security
	AdminSecret  string // Required for mutating routes outside development
	RateLimitRPM int
	CORSOrigins  string // Comma-separated; "*" allows any origin

	// Tracing
	OTLPEndpoint string // Empty disables tracing

	// Scoring
	RecomputeMaxAttempts int
	RecomputeRetryBase   time.Duration
	StaleRepairInterval  time.Duration // 0 disables the background repair loop
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultDBMaxOpenConns       = 25
	DefaultRateLimitRPM         = 600
	DefaultRecomputeMaxAttempts = 3
	DefaultRecomputeRetryBase   = 50 * time.Millisecond
	DefaultStaleRepairInterval  = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", true),
		DBMaxOpenConns:       int(getEnvInt64("DB_MAX_OPEN_CONNS", DefaultDBMaxOpenConns)),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:          getEnv("CORS_ORIGINS", "*"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RecomputeMaxAttempts: int(getEnvInt64("RECOMPUTE_MAX_ATTEMPTS", DefaultRecomputeMaxAttempts)),
		RecomputeRetryBase:   getEnvDuration("RECOMPUTE_RETRY_BASE", DefaultRecomputeRetryBase),
		StaleRepairInterval:  getEnvDuration("STALE_REPAIR_INTERVAL", DefaultStaleRepairInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be one of development, staging, production (got %q)", c.Env)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text (got %q)", c.LogFormat)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	if c.RecomputeMaxAttempts < 1 || c.RecomputeMaxAttempts > 10 {
		return fmt.Errorf("RECOMPUTE_MAX_ATTEMPTS must be between 1 and 10")
	}

	if c.RecomputeRetryBase < 0 || c.RecomputeRetryBase > 5*time.Second {
		return fmt.Errorf("RECOMPUTE_RETRY_BASE must be between 0 and 5s")
	}

	if c.StaleRepairInterval < 0 {
		return fmt.Errorf("STALE_REPAIR_INTERVAL must not be negative")
	}

	if c.DBMaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive")
	}

	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
