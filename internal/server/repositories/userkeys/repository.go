// Package userkeys stores the per-user storage salt.
package userkeys

import "context"

// Repository persists per-user salts.
type Repository interface {
	// GetOrCreate stores salt for userID unless a salt already exists, and
	// returns the salt that is actually persisted. Concurrent callers for the
	// same user all receive the same value.
	GetOrCreate(ctx context.Context, userID string, salt []byte) ([]byte, error)

	// Get returns the stored salt or common.ErrNotFound.
	Get(ctx context.Context, userID string) ([]byte, error)
}
