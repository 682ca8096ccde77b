package emails

import (
	"context"
	"fmt"
	"time"

	"github.com/wpfleet/mailvault/internal/dbx"
	"github.com/wpfleet/mailvault/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert writes a new row. Rows are never updated afterwards, so a second
// insert with the same id is a no-op.
func (r *PostgresRepository) Insert(ctx context.Context, e *models.EncryptedEmail) (bool, error) {
	query := `
		INSERT INTO encrypted_emails
			(id, owner_user_id, context, ciphertext, nonce, auth_tag, cipher_version, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		e.ID, e.OwnerUserID, e.Context.String(), e.Ciphertext, e.Nonce, e.AuthTag, e.CipherVersion, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

// ListByOwner selects active rows of ownerID, newest first.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string, emailContext *models.EmailContext, limit int, now time.Time) ([]*models.EncryptedEmail, error) {
	query := `
		SELECT id, owner_user_id, context, ciphertext, nonce, auth_tag, cipher_version, created_at, expires_at
		FROM encrypted_emails
		WHERE owner_user_id = $1 AND expires_at > $2`
	args := []any{ownerID, now}

	if emailContext != nil {
		query += ` AND context = $4`
		args = append(args, limit, emailContext.String())
	} else {
		args = append(args, limit)
	}
	query += `
		ORDER BY created_at DESC, id
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select emails: %w", err)
	}
	defer rows.Close()

	var result []*models.EncryptedEmail
	for rows.Next() {
		var (
			item       models.EncryptedEmail
			contextStr string
		)
		if err := rows.Scan(&item.ID, &item.OwnerUserID, &contextStr, &item.Ciphertext, &item.Nonce,
			&item.AuthTag, &item.CipherVersion, &item.CreatedAt, &item.ExpiresAt); err != nil {
			return nil, err
		}
		if item.Context, err = models.ParseEmailContext(contextStr); err != nil {
			return nil, err
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// PurgeExpired removes every row whose lifetime ended at or before now.
func (r *PostgresRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM encrypted_emails WHERE expires_at <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
