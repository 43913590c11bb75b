package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/carpool/internal/models"
)

// Postgres reads the users, community_memberships and vehicles tables that
// the identity service writes.
type Postgres struct {
	DB *sql.DB
}

func (p *Postgres) IsMember(ctx context.Context, userID, communityID string) (bool, error) {
	var ok bool
	err := p.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM community_memberships
		WHERE community_id = $1 AND user_id = $2)`, communityID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return ok, nil
}

func (p *Postgres) OwnsVehicle(ctx context.Context, userID, vehicleID string) (bool, error) {
	var ok bool
	err := p.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM vehicles
		WHERE id = $1 AND owner_id = $2)`, vehicleID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query vehicle owner: %w", err)
	}
	return ok, nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	err := p.DB.QueryRowContext(ctx, `SELECT id, username FROM users WHERE id = $1`, userID).Scan(&u.ID, &u.Username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

var _ Directory = (*Postgres)(nil)
