package sqlstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded schema for the dialect. The database handle
// stays open; callers own its lifecycle.
func Migrate(db *sql.DB, dialect Dialect, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	source, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	var driver database.Driver
	switch dialect {
	case MySQL:
		driver, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	case Postgres:
		driver, err = migratepg.WithInstance(db, &migratepg.Config{SchemaName: "public"})
	default:
		return fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(dialect), driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("schema up to date", zap.String("dialect", string(dialect)))
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("schema migrated", zap.String("dialect", string(dialect)), zap.Uint("version", version))
	return nil
}
