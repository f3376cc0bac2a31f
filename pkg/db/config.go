// Package db opens the database connection and manages the schema. Postgres
// schemas are versioned SQL migrations; sqlite and mysql fall back to GORM
// auto-migration, serialized across replicas by a migration lock.
package db

import (
	"os"
	"strconv"
	"time"
)

// Config holds database connection settings.
type Config struct {
	// Dialect is one of "postgres", "mysql" or "sqlite".
	Dialect string
	// DSN is the dialect-specific connection string. For sqlite this is a
	// file path or ":memory:".
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// ConnectRetries is how many times Connect pings before giving up,
	// with a one second pause between attempts.
	ConnectRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Dialect:         "sqlite",
		DSN:             "deploywatch.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnectRetries:  10,
	}
}

// ConfigFromEnv reads database configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - DEPLOYWATCH_DB_DIALECT: "postgres", "mysql" or "sqlite" (default: "sqlite")
//   - DEPLOYWATCH_DB_DSN: connection string (default: "deploywatch.db")
//   - DEPLOYWATCH_DB_MAX_OPEN_CONNS: pool size (default: 25)
//   - DEPLOYWATCH_DB_MAX_IDLE_CONNS: idle pool size (default: 5)
//   - DEPLOYWATCH_DB_CONN_MAX_LIFETIME_MINUTES: connection lifetime (default: 60)
//   - DEPLOYWATCH_DB_CONNECT_RETRIES: ping attempts (default: 10)
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("DEPLOYWATCH_DB_DIALECT"); v != "" {
		cfg.Dialect = v
	}
	if v := os.Getenv("DEPLOYWATCH_DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("DEPLOYWATCH_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOpenConns = n
		}
	}
	if v := os.Getenv("DEPLOYWATCH_DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxIdleConns = n
		}
	}
	if v := os.Getenv("DEPLOYWATCH_DB_CONN_MAX_LIFETIME_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ConnMaxLifetime = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("DEPLOYWATCH_DB_CONNECT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ConnectRetries = n
		}
	}

	return cfg
}
