package dbx

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wpfleet/mailvault/internal/common"
	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS recovery_packages (export_id TEXT PRIMARY KEY, downloaded INTEGER NOT NULL DEFAULT 0);`)
	require.NoError(t, err)
	return db
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM recovery_packages`).Scan(&n))
	return n
}

func fastRetries(t *testing.T) {
	t.Helper()
	orig := retryBackoff
	retryBackoff = func() retry.Backoff {
		return retry.WithMaxRetries(1, retry.NewConstant(time.Millisecond))
	}
	t.Cleanup(func() { retryBackoff = orig })
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	db := setupDB(t)

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO recovery_packages(export_id) VALUES ('a')`)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 1, countRows(t, db))
}

func TestWithTx_RollbackOnFnError(t *testing.T) {
	db := setupDB(t)

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		_, e := tx.ExecContext(ctx, `INSERT INTO recovery_packages(export_id) VALUES ('b')`)
		require.NoError(t, e)
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 0, countRows(t, db))
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	db := setupDB(t)

	defer func() {
		require.NotNil(t, recover(), "expected panic to propagate")
		require.Equal(t, 0, countRows(t, db))
	}()

	_ = WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		_, e := tx.ExecContext(ctx, `INSERT INTO recovery_packages(export_id) VALUES ('c')`)
		require.NoError(t, e)
		panic("kaput")
	})
}

func TestWithTx_BeginError(t *testing.T) {
	db := setupDB(t)
	require.NoError(t, db.Close())

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		return nil
	})
	require.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("syntax error")))
	assert.False(t, IsTransient(common.ErrNotFound))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(common.ErrTransient))
}

func TestWithRetry_RetriesTransientOnce(t *testing.T) {
	fastRetries(t)

	calls := 0
	err := WithRetry(context.Background(), time.Second, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_SurfacesPersistentTimeout(t *testing.T) {
	fastRetries(t)

	calls := 0
	err := WithRetry(context.Background(), time.Second, func(ctx context.Context) error {
		calls++
		return context.DeadlineExceeded
	})

	require.ErrorIs(t, err, common.ErrTransient)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	fastRetries(t)

	calls := 0
	err := WithRetry(context.Background(), time.Second, func(ctx context.Context) error {
		calls++
		return common.ErrNotFound
	})

	require.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_AppliesAttemptTimeout(t *testing.T) {
	fastRetries(t)

	err := WithRetry(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.ErrorIs(t, err, common.ErrTransient)
}
