package auditlogs

import (
	"context"
	"fmt"
	"time"

	"github.com/wpfleet/mailvault/internal/dbx"
	"github.com/wpfleet/mailvault/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, l *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, user_id, kind, action, detail, created_at)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query, l.ID, l.UserID, l.Kind, l.Action, l.Detail, l.CreatedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) PurgeOlderThan(ctx context.Context, kind string, cutoff time.Time) (int64, error) {
	query := `DELETE FROM audit_logs WHERE kind = $1 AND created_at < $2`
	res, err := r.db.ExecContext(ctx, query, kind, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
