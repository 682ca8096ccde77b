// Package dbx provides tiny DB abstractions shared by repositories: a
// minimal interface (DBTX) implemented by both *sql.DB and *sql.Tx, a helper
// to run functions inside a transaction, and bounded, retry-once store calls.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"github.com/wpfleet/mailvault/internal/common"
)

// DBTX is the subset of database/sql used by our repos.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx begins a transaction, runs fn with a transactional handle, and then
// commits on success or rolls back on error/panic. Panics are rethrown.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}

// IsTransient reports whether err is a store timeout worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, common.ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		pgconn.Timeout(err)
}

// retryBackoff is a seam for tests.
var retryBackoff = func() retry.Backoff {
	return retry.WithMaxRetries(1, retry.NewConstant(50*time.Millisecond))
}

// WithRetry runs fn with a per-attempt timeout. A transient failure is
// retried once; if it persists it is returned wrapped in common.ErrTransient.
// Any other error is returned as is.
func WithRetry(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, retryBackoff(), func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := fn(attemptCtx)
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})

	if err != nil && IsTransient(err) && !errors.Is(err, common.ErrTransient) {
		return fmt.Errorf("%w: %w", common.ErrTransient, err)
	}
	return err
}
