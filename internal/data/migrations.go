package data

import (
	"context"
	"database/sql"

	"github.com/target/geoinfer-api/internal/migrate"
)

// RunMigrations applies the Postgres schema. SQLite databases are migrated by OpenSQLite.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db, migrate.Postgres)
}
