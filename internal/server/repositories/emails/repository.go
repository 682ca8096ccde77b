// Package emails persists encrypted email records.
package emails

import (
	"context"
	"time"

	"github.com/wpfleet/mailvault/internal/server/models"
)

// Repository stores immutable ciphertext rows. It never sees plaintext.
type Repository interface {
	// Insert stores e. A row that already exists under e.ID is left as is
	// and Insert reports false.
	Insert(ctx context.Context, e *models.EncryptedEmail) (bool, error)

	// ListByOwner returns up to limit rows of ownerID that have not expired
	// at now, newest first. A nil context matches every context.
	ListByOwner(ctx context.Context, ownerID string, emailContext *models.EmailContext, limit int, now time.Time) ([]*models.EncryptedEmail, error)

	// PurgeExpired deletes rows with expires_at <= now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
