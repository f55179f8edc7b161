// Package migrate applies the embedded job store schema for either supported database.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Dialect selects the migration set and SQL flavour.
type Dialect string

const (
	// Postgres applies migrations/postgres.
	Postgres Dialect = "postgres"
	// SQLite applies migrations/sqlite.
	SQLite Dialect = "sqlite"
)

func (d Dialect) dir() (string, error) {
	switch d {
	case Postgres, "":
		return "migrations/postgres", nil
	case SQLite:
		return "migrations/sqlite", nil
	default:
		return "", fmt.Errorf("unknown migration dialect %q", string(d))
	}
}

func (d Dialect) bind(n int) string {
	if d == SQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func (d Dialect) schemaTableDDL() string {
	if d == SQLite {
		return `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
	}
	return `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
}

// Run applies all SQL migrations embedded for the dialect. It is safe to call multiple times.
func Run(ctx context.Context, db *sql.DB, dialect Dialect) error {
	dir, err := dialect.dir()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, dialect.schemaTableDDL()); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	files, err := Files(dialect)
	if err != nil {
		return err
	}
	for _, f := range files {
		info := migrationInfo{
			dialect:    dialect,
			versionStr: strings.TrimSuffix(f, ".sql"),
			path:       dir + "/" + f,
		}
		if applyErr := applyMigration(ctx, db, info); applyErr != nil {
			return applyErr
		}
	}
	return nil
}

// Files lists the migration file names for a dialect in apply order.
func Files(dialect Dialect) ([]string, error) {
	dir, err := dialect.dir()
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

type migrationInfo struct {
	dialect    Dialect
	versionStr string
	path       string
}

func migrationExists(ctx context.Context, db *sql.DB, info migrationInfo) (bool, error) {
	var n int
	query := `SELECT COUNT(1) FROM schema_migrations WHERE version = ` + info.dialect.bind(1)
	if err := db.QueryRowContext(ctx, query, info.versionStr).Scan(&n); err != nil {
		return false, fmt.Errorf("check migration %s: %w", info.path, err)
	}
	return n > 0, nil
}

func applyMigration(ctx context.Context, db *sql.DB, info migrationInfo) error {
	exists, err := migrationExists(ctx, db, info)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	sqlBytes, err := migrationsFS.ReadFile(info.path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", info.path, err)
	}

	logger := slog.Default().With("component", "migrations")
	logger.InfoContext(ctx, "applying migration", "version", info.versionStr, "dialect", string(info.dialect))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			logger.ErrorContext(ctx, "failed to rollback transaction", "err", rollbackErr, "migration_file", info.path)
		}
	}()

	if _, execErr := tx.ExecContext(ctx, string(sqlBytes)); execErr != nil {
		return fmt.Errorf("exec migration %s: %w", info.path, execErr)
	}
	insert := `INSERT INTO schema_migrations (version) VALUES (` + info.dialect.bind(1) + `)`
	if _, insertErr := tx.ExecContext(ctx, insert, info.versionStr); insertErr != nil {
		return fmt.Errorf("record migration %s: %w", info.path, insertErr)
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("commit migration %s: %w", info.path, commitErr)
	}
	return nil
}
