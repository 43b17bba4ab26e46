package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-core/internal/apperr"
	"chat-core/internal/models"
)

var ErrUserNotFound = fmt.Errorf("%w: user", apperr.ErrNotFound)

// UserRepo persists online flags and last-seen timestamps.
type UserRepo struct {
	db *sqlx.DB
}

var _ UserStore = (*UserRepo)(nil)

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// SetPresence upserts the presence columns. Older writes never overwrite newer ones.
func (r *UserRepo) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (id, is_online, last_seen) VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET is_online = EXCLUDED.is_online, last_seen = EXCLUDED.last_seen
        WHERE users.last_seen <= EXCLUDED.last_seen`, userID, online, at)
	return classify(err)
}

// GetUser fetches the presence slice of a user.
func (r *UserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT id, is_online, last_seen FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, classify(err)
}
