package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"

	"github.com/auditflow/deploywatch/pkg/alerts"
	"github.com/auditflow/deploywatch/pkg/apps"
	"github.com/auditflow/deploywatch/pkg/commits"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/opsaudit"
	"github.com/auditflow/deploywatch/pkg/syncer"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to date. Postgres runs the embedded
// versioned SQL migrations; other dialects auto-migrate every model. Both
// paths run under the migration lock so concurrent replicas serialize.
func Migrate(ctx context.Context, db *gorm.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	return NewMigrationLocker(db).WithLock(ctx, func() error {
		if db.Dialector.Name() == "postgres" {
			return migratePostgres(db, logger)
		}
		return autoMigrate(db, logger)
	})
}

func migratePostgres(db *gorm.DB, logger *slog.Logger) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("access underlying sql.DB: %w", err)
	}

	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migration version %d is dirty, manual intervention required", version)
	}
	logger.Info("schema migrated", "version", version)
	return nil
}

func autoMigrate(db *gorm.DB, logger *slog.Logger) error {
	stores := []interface{ AutoMigrate() error }{
		apps.NewStore(db),
		deployments.NewStore(db),
		alerts.NewStore(db),
		commits.NewStore(db),
		syncer.NewJobStore(db),
		opsaudit.NewStore(db),
	}
	for _, s := range stores {
		if err := s.AutoMigrate(); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
	}
	logger.Info("schema auto-migrated")
	return nil
}
