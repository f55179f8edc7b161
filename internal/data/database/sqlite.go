// Package database opens the SQL connections used by the job stores.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/target/geoinfer-api/internal/migrate"
	_ "modernc.org/sqlite" // Register sqlite driver
)

// sqlitePragmas are applied on open. synchronous=FULL keeps committed job rows across crashes.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=FULL",
}

// OpenSQLite opens a SQLite database, applies pragmas, and migrates the schema.
func OpenSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	if err := migrate.Run(ctx, db, migrate.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return db, nil
}
