// Package store provides the durable (L3) PostgreSQL persistence layer:
// conversation context, the message queue's system of record, follow-up
// jobs and their rate limits, and the bot-state mirror used for crash
// recovery.
package store

import (
	"context"
	"database/sql"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/kairos-labs/convo-dispatcher/internal/config"
)

// DB wraps *sql.DB with the connection pool tuned per configuration.
type DB struct {
	*sql.DB
}

// Open connects to PostgreSQL and applies the connection-pool settings
// from cfg.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return &DB{DB: sqlDB}, nil
}

// RunMigrations applies every pending schema migration under
// cfg.MigrationsPath.
func (db *DB) RunMigrations(migrationsPath string) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "failed to create migration driver")
	}

	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return errors.Wrap(err, "failed to resolve migrations path")
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+absPath, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "failed to initialize migrator")
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "failed to apply migrations")
	}

	return nil
}
