// Package packages persists recovery packages.
package packages

import (
	"context"
	"time"

	"github.com/wpfleet/mailvault/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, p *models.RecoveryPackage) error

	// Get returns the package or common.ErrNotFound.
	Get(ctx context.Context, exportID string) (*models.RecoveryPackage, error)

	// MarkDownloaded sets downloaded=true only when it is currently false.
	// It reports whether this call performed the flip.
	MarkDownloaded(ctx context.Context, exportID string) (bool, error)

	// PurgeExpired deletes packages with expires_at < now and reports
	// which ones were removed.
	PurgeExpired(ctx context.Context, now time.Time) ([]Purged, error)

	// ListExpired returns the packages PurgeExpired would remove.
	ListExpired(ctx context.Context, now time.Time) ([]Purged, error)

	// DeleteExpired removes exportID if it expired before now and reports
	// whether a row was deleted.
	DeleteExpired(ctx context.Context, exportID string, now time.Time) (bool, error)
}

// Purged identifies a deleted package.
type Purged struct {
	ExportID  string
	CreatedAt time.Time
}
