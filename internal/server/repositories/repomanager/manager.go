package repomanager

import (
	"context"
	"database/sql"

	"github.com/wpfleet/mailvault/internal/dbx"
	"github.com/wpfleet/mailvault/internal/server/repositories/auditlogs"
	"github.com/wpfleet/mailvault/internal/server/repositories/emails"
	"github.com/wpfleet/mailvault/internal/server/repositories/packages"
	"github.com/wpfleet/mailvault/internal/server/repositories/userkeys"
	"github.com/wpfleet/mailvault/internal/server/repositories/users"
)

// RepositoryManager vends repositories bound to a DBTX, so services can run
// them either directly on the pool or inside a transaction.
type RepositoryManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	Compact(ctx context.Context, db dbx.DBTX) error
	Users(db dbx.DBTX) users.Repository
	UserKeys(db dbx.DBTX) userkeys.Repository
	Emails(db dbx.DBTX) emails.Repository
	Packages(db dbx.DBTX) packages.Repository
	AuditLogs(db dbx.DBTX) auditlogs.Repository
}
