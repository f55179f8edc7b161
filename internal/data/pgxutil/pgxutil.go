// Package pgxutil scopes job store statements to a transaction or a raw pgx connection
// borrowed from a database/sql pool.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// ErrNotPgx is returned when the pool's driver is not the pgx stdlib bridge.
var ErrNotPgx = errors.New("driver connection is not *stdlib.Conn")

// InTx runs fn in a database/sql transaction and commits when it returns nil.
// Used by drivers without a pgx bridge, such as SQLite.
func InTx[T any](ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return zero, fmt.Errorf("begin tx: %w", err)
	}
	out, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// OnConn hands fn the native pgx connection behind one pooled database/sql connection.
func OnConn[T any](ctx context.Context, db *sql.DB, fn func(*pgx.Conn) (T, error)) (T, error) {
	var out T
	conn, err := db.Conn(ctx)
	if err != nil {
		return out, fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	err = conn.Raw(func(dc any) error {
		std, ok := dc.(*stdlib.Conn)
		if !ok {
			return ErrNotPgx
		}
		var fnErr error
		out, fnErr = fn(std.Conn())
		return fnErr
	})
	return out, err
}

// InPgxTx runs fn in a pgx transaction on a pooled connection. The transaction is
// rolled back unless fn succeeds and the commit goes through.
func InPgxTx[T any](ctx context.Context, db *sql.DB, opts pgx.TxOptions, fn func(pgx.Tx) (T, error)) (T, error) {
	return OnConn(ctx, db, func(conn *pgx.Conn) (T, error) {
		var zero T
		tx, err := conn.BeginTx(ctx, opts)
		if err != nil {
			return zero, fmt.Errorf("begin pgx tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		out, err := fn(tx)
		if err != nil {
			return zero, err
		}
		if err := tx.Commit(ctx); err != nil {
			return zero, fmt.Errorf("commit pgx tx: %w", err)
		}
		return out, nil
	})
}
