// Package config loads process configuration from the environment and
// parses the operator-tunable game settings persisted in the store.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-level configuration.
type Config struct {
	Port        string
	Environment string // "development", "production" or "test"

	DatabaseURL string
	RedisURL    string
	NATSURL     string
	CacheTTL    time.Duration

	JWTSecret string
	TokenTTL  time.Duration

	WhopAPIURL        string
	WhopAPIKey        string
	WhopWebhookSecret string

	// DeveloperUserID is the ledger account credited with the developer split.
	DeveloperUserID string
}

// Load reads a .env file when present and then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getenv("PORT", "8080"),
		Environment:       getenv("ENVIRONMENT", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		NATSURL:           os.Getenv("NATS_URL"),
		CacheTTL:          15 * time.Second,
		JWTSecret:         os.Getenv("JWT_SECRET"),
		TokenTTL:          24 * time.Hour,
		WhopAPIURL:        getenv("WHOP_API_URL", "https://api.whop.com"),
		WhopAPIKey:        os.Getenv("WHOP_API_KEY"),
		WhopWebhookSecret: os.Getenv("WHOP_WEBHOOK_SECRET"),
		DeveloperUserID:   getenv("DEVELOPER_USER_ID", "developer"),
	}

	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CACHE_TTL %q: %w", v, err)
		}
		cfg.CacheTTL = d
	}
	if v := os.Getenv("TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_TTL %q: %w", v, err)
		}
		cfg.TokenTTL = d
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Development reports whether insecure defaults are acceptable.
func (c *Config) Development() bool {
	return c.Environment == "development" || c.Environment == "test"
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		if !c.Development() {
			return fmt.Errorf("JWT_SECRET is required in %s", c.Environment)
		}
		c.JWTSecret = "dev-insecure-secret"
	}
	if !c.Development() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in %s", c.Environment)
		}
		if c.WhopAPIKey == "" {
			return fmt.Errorf("WHOP_API_KEY is required in %s", c.Environment)
		}
	}
	if strings.TrimSpace(c.DeveloperUserID) == "" {
		return fmt.Errorf("DEVELOPER_USER_ID must not be blank")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
