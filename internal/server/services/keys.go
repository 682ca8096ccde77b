// Package services contains the archive and recovery business logic:
// per-user key management, encrypted archival, recovery export/import and
// retention sweeps.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wpfleet/mailvault/internal/common"
	"github.com/wpfleet/mailvault/internal/cryptox"
	"github.com/wpfleet/mailvault/internal/dbx"
	"github.com/wpfleet/mailvault/internal/server/repositories/repomanager"
)

// KeyService owns per-user key material. It lazily creates a user's salt on
// first use and derives storage and recovery keys from it.
type KeyService struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	deriver      *cryptox.KeyDeriver
	storeTimeout time.Duration
}

func NewKeyService(db *sql.DB, m repomanager.RepositoryManager, deriver *cryptox.KeyDeriver, storeTimeout time.Duration) *KeyService {
	return &KeyService{
		db:           db,
		repomanager:  m,
		deriver:      deriver,
		storeTimeout: storeTimeout,
	}
}

// StorageKey returns the key protecting userID's archive. The caller should
// wipe it with common.WipeByteArray when done.
func (s *KeyService) StorageKey(ctx context.Context, userID string) ([]byte, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", common.ErrValidation)
	}

	var salt []byte
	err := dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
		return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			var err error
			salt, err = s.repomanager.UserKeys(tx).GetOrCreate(ctx, userID, cryptox.NewUserSalt())
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load user salt: %w", err)
	}

	return s.deriver.StorageKey(salt)
}

// RecoveryKey derives the key of a recovery package owned by ownerEmail.
func (s *KeyService) RecoveryKey(password, ownerEmail string) ([]byte, error) {
	return s.deriver.RecoveryKey(password, ownerEmail)
}
