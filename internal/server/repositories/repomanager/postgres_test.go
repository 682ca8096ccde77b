package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wpfleet/mailvault/internal/server/repositories/auditlogs"
	"github.com/wpfleet/mailvault/internal/server/repositories/emails"
	"github.com/wpfleet/mailvault/internal/server/repositories/packages"
	"github.com/wpfleet/mailvault/internal/server/repositories/userkeys"
	"github.com/wpfleet/mailvault/internal/server/repositories/users"
)

func newDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestFactories_ReturnConcreteRepos(t *testing.T) {
	db, _ := newDB(t)

	var m RepositoryManager = NewPostgresRepositoryManager()

	assert.IsType(t, &users.PostgresRepository{}, m.Users(db))
	assert.IsType(t, &userkeys.PostgresRepository{}, m.UserKeys(db))
	assert.IsType(t, &emails.PostgresRepository{}, m.Emails(db))
	assert.IsType(t, &packages.PostgresRepository{}, m.Packages(db))
	assert.IsType(t, &auditlogs.PostgresRepository{}, m.AuditLogs(db))
}

func stubGoose(t *testing.T, fn func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error) {
	t.Helper()
	orig := gooseUpContext
	gooseUpContext = fn
	t.Cleanup(func() { gooseUpContext = orig })
}

func TestRunMigrations_Success(t *testing.T) {
	db, _ := newDB(t)

	var gotDir string
	stubGoose(t, func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	})

	require.NoError(t, NewPostgresRepositoryManager().RunMigrations(context.Background(), db))
	assert.Equal(t, ".", gotDir)
}

func TestRunMigrations_Error(t *testing.T) {
	db, _ := newDB(t)

	stubGoose(t, func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	})

	err := NewPostgresRepositoryManager().RunMigrations(context.Background(), db)
	require.EqualError(t, err, "boom")
}

func TestCompact_VacuumsEveryTable(t *testing.T) {
	db, mock := newDB(t)

	for _, table := range compactedTables {
		mock.ExpectExec(regexp.QuoteMeta("VACUUM (ANALYZE) " + table)).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, NewPostgresRepositoryManager().Compact(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompact_StopsOnError(t *testing.T) {
	db, mock := newDB(t)

	mock.ExpectExec(regexp.QuoteMeta("VACUUM (ANALYZE) encrypted_emails")).WillReturnError(errors.New("locked"))

	err := NewPostgresRepositoryManager().Compact(context.Background(), db)
	require.ErrorContains(t, err, "vacuum encrypted_emails: locked")
}
