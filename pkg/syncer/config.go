package syncer

import (
	"os"
	"strconv"
	"time"
)

// Config controls the sync worker.
type Config struct {
	Interval      time.Duration // How often the worker runs a full sync. Default 5m.
	Concurrency   int           // Max applications synced in parallel. Default 4.
	BatchLimit    int           // Max deployments classified per application per run. Default 50.
	Lease         time.Duration // Sync job lease; expired leases are swept. Default 10m.
	RetentionDays int           // How long to keep terminal job rows. Default 14.
	Enabled       bool          // Whether the background worker runs. Default true.
}

// DefaultConfig returns the default sync configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:      5 * time.Minute,
		Concurrency:   4,
		BatchLimit:    50,
		Lease:         10 * time.Minute,
		RetentionDays: 14,
		Enabled:       true,
	}
}

// ConfigFromEnv loads config from environment variables.
// DEPLOYWATCH_SYNC_INTERVAL_SECONDS, DEPLOYWATCH_SYNC_CONCURRENCY,
// DEPLOYWATCH_SYNC_BATCH_LIMIT, DEPLOYWATCH_SYNC_LEASE_MINUTES,
// DEPLOYWATCH_SYNC_RETENTION_DAYS, DEPLOYWATCH_SYNC_ENABLED
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("DEPLOYWATCH_SYNC_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Interval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("DEPLOYWATCH_SYNC_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}

	if v := os.Getenv("DEPLOYWATCH_SYNC_BATCH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchLimit = n
		}
	}

	if v := os.Getenv("DEPLOYWATCH_SYNC_LEASE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Lease = time.Duration(n) * time.Minute
		}
	}

	if v := os.Getenv("DEPLOYWATCH_SYNC_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionDays = n
		}
	}

	if v := os.Getenv("DEPLOYWATCH_SYNC_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}
