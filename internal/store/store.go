// Package store persists the control-plane data model in PostgreSQL
// via pgx. Repositories are thin: they own SQL and row scanning, and
// push invariants that need transactions (last-admin protection,
// address allocation) into the database where they are enforceable.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row is absent or soft-deleted.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a uniqueness invariant rejects a write,
// e.g. a second non-deleted policy for the same (group, resource).
var ErrConflict = errors.New("conflict")

const (
	pgUniqueViolation    = "23505"
	pgSerializationError = "40001"
)

// isUniqueViolation reports whether err is a unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// isSerializationFailure reports whether a serializable transaction
// lost its race and should be retried.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgSerializationError
}

// serializableRetries bounds how often a serializable transaction is
// re-run after a 40001 before the error is surfaced.
const serializableRetries = 3

// inSerializableTx runs fn inside a serializable transaction, retrying
// bounded times on serialization failures.
func inSerializableTx(ctx context.Context, db *pgxpool.Pool, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt <= serializableRetries; attempt++ {
		err = runTx(ctx, db, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return fmt.Errorf("serializable transaction kept failing: %w", err)
}

func runTx(ctx context.Context, db *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
