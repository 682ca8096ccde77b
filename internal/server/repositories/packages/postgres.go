package packages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wpfleet/mailvault/internal/common"
	"github.com/wpfleet/mailvault/internal/dbx"
	"github.com/wpfleet/mailvault/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts p. Export ids are random, so a conflict only happens when a
// retried insert already committed.
func (r *PostgresRepository) Create(ctx context.Context, p *models.RecoveryPackage) error {
	query := `
		INSERT INTO recovery_packages
			(export_id, owner_user_id, ciphertext, nonce, auth_tag, email_count, created_at, expires_at, downloaded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		ON CONFLICT (export_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query,
		p.ExportID, p.OwnerUserID, p.Ciphertext, p.Nonce, p.AuthTag, p.EmailCount, p.CreatedAt, p.ExpiresAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, exportID string) (*models.RecoveryPackage, error) {
	query := `
		SELECT export_id, owner_user_id, ciphertext, nonce, auth_tag, email_count, created_at, expires_at, downloaded
		FROM recovery_packages
		WHERE export_id = $1
	`
	p := &models.RecoveryPackage{}
	err := r.db.QueryRowContext(ctx, query, exportID).Scan(&p.ExportID, &p.OwnerUserID, &p.Ciphertext, &p.Nonce,
		&p.AuthTag, &p.EmailCount, &p.CreatedAt, &p.ExpiresAt, &p.Downloaded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return p, nil
}

// MarkDownloaded is a single conditional update, so concurrent callers
// cannot both observe the flip.
func (r *PostgresRepository) MarkDownloaded(ctx context.Context, exportID string) (bool, error) {
	query := `UPDATE recovery_packages SET downloaded = TRUE WHERE export_id = $1 AND downloaded = FALSE`
	res, err := r.db.ExecContext(ctx, query, exportID)
	if err != nil {
		return false, fmt.Errorf("failed to mark downloaded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("wrong rows affected count: %d", n)
	}
}

func (r *PostgresRepository) PurgeExpired(ctx context.Context, now time.Time) ([]Purged, error) {
	query := `DELETE FROM recovery_packages WHERE expires_at < $1 RETURNING export_id, created_at`
	return r.queryPurged(ctx, query, now)
}

func (r *PostgresRepository) ListExpired(ctx context.Context, now time.Time) ([]Purged, error) {
	query := `SELECT export_id, created_at FROM recovery_packages WHERE expires_at < $1 ORDER BY expires_at`
	return r.queryPurged(ctx, query, now)
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, exportID string, now time.Time) (bool, error) {
	query := `DELETE FROM recovery_packages WHERE export_id = $1 AND expires_at < $2`
	res, err := r.db.ExecContext(ctx, query, exportID, now)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) queryPurged(ctx context.Context, query string, now time.Time) ([]Purged, error) {
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var purged []Purged
	for rows.Next() {
		var p Purged
		if err := rows.Scan(&p.ExportID, &p.CreatedAt); err != nil {
			return nil, err
		}
		purged = append(purged, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return purged, nil
}
