package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Connect opens the database described by cfg and verifies it answers a
// ping, retrying to ride out slow database startup.
func Connect(cfg *Config, logger *slog.Logger) (*gorm.DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	var dialector gorm.Dialector
	switch cfg.Dialect {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", cfg.Dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Dialect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	for i := 0; ; i++ {
		err = sqlDB.Ping()
		if err == nil {
			break
		}
		if i >= retries-1 {
			return nil, fmt.Errorf("database unreachable after %d attempts: %w", retries, err)
		}
		logger.Warn("database not ready, retrying", "attempt", i+1, "error", err)
		time.Sleep(time.Second)
	}

	logger.Info("database connected", "dialect", cfg.Dialect)
	return db, nil
}
