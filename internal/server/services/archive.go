package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wpfleet/mailvault/internal/common"
	"github.com/wpfleet/mailvault/internal/cryptox"
	"github.com/wpfleet/mailvault/internal/dbx"
	"github.com/wpfleet/mailvault/internal/logging"
	"github.com/wpfleet/mailvault/internal/server/config"
	"github.com/wpfleet/mailvault/internal/server/metrics"
	"github.com/wpfleet/mailvault/internal/server/models"
	"github.com/wpfleet/mailvault/internal/server/repositories/repomanager"
	"github.com/wpfleet/mailvault/internal/timex"
)

// DefaultListLimit applies when ListDecrypted is called without a limit.
const DefaultListLimit = 100

// DecryptedEmail is an archived email opened for its owner.
type DecryptedEmail struct {
	ID        string
	Context   models.EmailContext
	CreatedAt time.Time
	ExpiresAt time.Time
	Email     *models.PlainEmail
}

// ListResult carries the emails that could be opened and the number of
// records skipped because they failed to decrypt.
type ListResult struct {
	Emails  []*DecryptedEmail
	Skipped int
}

// ArchiveService encrypts emails into a user's archive and reads them back.
type ArchiveService struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	keys         *KeyService
	clock        timex.Clock
	logger       logging.Logger
	retention    time.Duration
	storeTimeout time.Duration
}

func NewArchiveService(db *sql.DB, m repomanager.RepositoryManager, keys *KeyService, cfg *config.Config, clock timex.Clock, logger logging.Logger) *ArchiveService {
	return &ArchiveService{
		db:           db,
		repomanager:  m,
		keys:         keys,
		clock:        clock,
		logger:       logger.With("module", "archive"),
		retention:    cfg.EmailRetention,
		storeTimeout: cfg.StoreTimeout,
	}
}

// StoreEncryptedEmail seals email under userID's storage key and stores it.
// Only the record id is returned. Reading the record back yields
// email.Canonicalized().
func (s *ArchiveService) StoreEncryptedEmail(ctx context.Context, userID string, email *models.PlainEmail, emailContext models.EmailContext) (string, error) {
	if !emailContext.Valid() {
		return "", fmt.Errorf("%w: unknown email context %d", common.ErrValidation, emailContext)
	}

	key, err := s.keys.StorageKey(ctx, userID)
	if err != nil {
		return "", err
	}
	defer common.WipeByteArray(key)

	id := uuid.NewString()
	if _, err := s.insertSealed(ctx, id, userID, email, emailContext, key); err != nil {
		return "", err
	}
	return id, nil
}

// insertSealed encrypts email with key and writes it for userID under id.
// It reports false when a record with that id already exists.
func (s *ArchiveService) insertSealed(ctx context.Context, id, userID string, email *models.PlainEmail, emailContext models.EmailContext, key []byte) (bool, error) {
	sealed, err := cryptox.SealEmail(email, key)
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	record := &models.EncryptedEmail{
		ID:            id,
		OwnerUserID:   userID,
		Context:       emailContext,
		Ciphertext:    sealed.Ciphertext,
		Nonce:         sealed.Nonce,
		AuthTag:       sealed.AuthTag,
		CipherVersion: cryptox.CipherVersion,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.retention),
	}

	var inserted bool
	err = dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		inserted, err = s.repomanager.Emails(s.db).Insert(ctx, record)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store email: %w", err)
	}

	if inserted {
		metrics.EmailsArchivedTotal.WithLabelValues(emailContext.String()).Inc()
	}
	return inserted, nil
}

// ListDecrypted returns up to limit of userID's active emails, newest first,
// optionally restricted to one context. Records that fail to decrypt are
// skipped and counted in ListResult.Skipped.
func (s *ArchiveService) ListDecrypted(ctx context.Context, userID string, emailContext *models.EmailContext, limit int) (*ListResult, error) {
	if emailContext != nil && !emailContext.Valid() {
		return nil, fmt.Errorf("%w: unknown email context %d", common.ErrValidation, *emailContext)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.listDecrypted(ctx, userID, emailContext, limit, "list")
}

func (s *ArchiveService) listDecrypted(ctx context.Context, userID string, emailContext *models.EmailContext, limit int, operation string) (*ListResult, error) {
	key, err := s.keys.StorageKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	var records []*models.EncryptedEmail
	err = dbx.WithRetry(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		records, err = s.repomanager.Emails(s.db).ListByOwner(ctx, userID, emailContext, limit, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}

	result := &ListResult{Emails: make([]*DecryptedEmail, 0, len(records))}
	for _, r := range records {
		email, err := cryptox.OpenEmail(&cryptox.Sealed{Ciphertext: r.Ciphertext, Nonce: r.Nonce, AuthTag: r.AuthTag}, key)
		if err != nil {
			result.Skipped++
			s.logger.Warn(ctx, "skipping undecryptable email", "email_id", r.ID, "user_id", userID, "code", common.Code(err))
			continue
		}
		result.Emails = append(result.Emails, &DecryptedEmail{
			ID:        r.ID,
			Context:   r.Context,
			CreatedAt: r.CreatedAt,
			ExpiresAt: r.ExpiresAt,
			Email:     email,
		})
	}

	if result.Skipped > 0 {
		metrics.RecordsSkippedTotal.WithLabelValues(operation).Add(float64(result.Skipped))
	}
	return result, nil
}
