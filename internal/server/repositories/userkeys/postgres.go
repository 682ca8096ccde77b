package userkeys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wpfleet/mailvault/internal/common"
	"github.com/wpfleet/mailvault/internal/dbx"
)

// PostgresRepository implements Repository over dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetOrCreate relies on the primary key on user_id: the insert is a no-op
// for the loser of a race, which then reads the winner's salt.
func (r *PostgresRepository) GetOrCreate(ctx context.Context, userID string, salt []byte) ([]byte, error) {
	query := `
		INSERT INTO user_keys (user_id, salt)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, userID, salt); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return r.Get(ctx, userID)
}

func (r *PostgresRepository) Get(ctx context.Context, userID string) ([]byte, error) {
	query := `
		SELECT salt FROM user_keys
		WHERE user_id = $1
	`
	var salt []byte
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&salt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return salt, nil
}
