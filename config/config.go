// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL    string
	HTTPAddr       string
	JWTSecret      string
	SignTokenKey   string
	WebhookSecret  string
	PlatformFeePct int
	HoldPeriod     time.Duration
	InvoiceTTL     time.Duration
	SweepInterval  time.Duration
}

// Load pulls configuration from the environment, applying defaults for
// everything except the secrets and the database URL.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		HTTPAddr:       envOr("HTTP_ADDR", ":8080"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		SignTokenKey:   os.Getenv("SIGNING_TOKEN_SECRET"),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		PlatformFeePct: 5,
		HoldPeriod:     5 * 24 * time.Hour,
		InvoiceTTL:     72 * time.Hour,
		SweepInterval:  30 * time.Second,
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}
	if cfg.WebhookSecret == "" {
		return Config{}, fmt.Errorf("config: WEBHOOK_SECRET is required")
	}
	if cfg.SignTokenKey == "" {
		cfg.SignTokenKey = cfg.JWTSecret
	}

	var err error
	if cfg.PlatformFeePct, err = envInt("PLATFORM_FEE_PCT", cfg.PlatformFeePct); err != nil {
		return Config{}, err
	}
	if cfg.HoldPeriod, err = envDuration("HOLD_PERIOD", cfg.HoldPeriod); err != nil {
		return Config{}, err
	}
	if cfg.InvoiceTTL, err = envDuration("INVOICE_TTL", cfg.InvoiceTTL); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return d, nil
}
