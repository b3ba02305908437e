// Package tokendb implements the token database (C2): durable token
// metadata, append-only change history, and the admin allow-list, backed by
// a pure-Go SQLite driver with embedded goose migrations.
package tokendb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/lsst/gafaelfawr/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a *sql.DB holding the token, token_change_history, and admin tables.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn and applies
// any pending migrations. Applying migrations is idempotent: re-running
// Open against an already-migrated database is a no-op beyond the version
// check.
func Open(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tokendb: open %s: %w", dsn, err)
	}
	// SQLite serializes writers; a single connection avoids "database is
	// locked" errors under concurrent writers without disabling durability.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("tokendb: ping %s: %w", dsn, err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, sqlDB, migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("tokendb: create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokendb: apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Infof("tokendb: applied migration %s", r.Source.Path)
	}

	return &DB{db: sqlDB}, nil
}

// DB returns the underlying *sql.DB, for callers that need direct access
// (e.g. transaction management shared across C2 operations).
func (d *DB) DB() *sql.DB {
	return d.db
}

// Close releases the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}
