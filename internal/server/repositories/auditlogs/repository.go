// Package auditlogs persists audit and recovery-operation log rows.
package auditlogs

import (
	"context"
	"time"

	"github.com/wpfleet/mailvault/internal/server/models"
)

type Repository interface {
	Insert(ctx context.Context, l *models.AuditLog) error

	// PurgeOlderThan deletes rows of kind created before cutoff.
	PurgeOlderThan(ctx context.Context, kind string, cutoff time.Time) (int64, error)
}
