// Package users reads platform accounts. The account table is owned by the
// wider platform; the archive only looks rows up.
package users

import (
	"context"

	"github.com/wpfleet/mailvault/internal/server/models"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}
