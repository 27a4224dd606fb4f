package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository reads profile rows owned by the identity provider.
type UserRepository interface {
	Get(ctx context.Context, userID string) (models.User, error)
	BulkGet(ctx context.Context, userIDs []string) ([]models.User, error)
	SearchByUsername(ctx context.Context, selfID, query string, limit int) ([]models.User, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// Get fetches one profile.
func (r *UserRepo) Get(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT id, username, email, profile_photo FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// BulkGet fetches multiple profiles in one round trip.
func (r *UserRepo) BulkGet(ctx context.Context, userIDs []string) ([]models.User, error) {
	if len(userIDs) == 0 {
		return []models.User{}, nil
	}
	query, args, err := sqlx.In(`SELECT id, username, email, profile_photo FROM users WHERE id IN (?)`, userIDs)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var users []models.User
	err = r.db.SelectContext(ctx, &users, query, args...)
	return users, err
}

// SearchByUsername finds users by case-insensitive substring match, excluding
// the caller.
func (r *UserRepo) SearchByUsername(ctx context.Context, selfID, query string, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = 5
	}
	var users []models.User
	err := r.db.SelectContext(ctx, &users, `SELECT id, username, email, profile_photo FROM users
        WHERE id <> $1 AND username ILIKE '%' || $2 || '%'
        ORDER BY username ASC LIMIT $3`, selfID, query, limit)
	return users, err
}

// PushTokenRepository stores device push tokens.
type PushTokenRepository interface {
	Upsert(ctx context.Context, userID, token string) error
	Get(ctx context.Context, userID string) (string, error)
}

// PushTokenRepo is a sqlx implementation of PushTokenRepository.
type PushTokenRepo struct {
	db *sqlx.DB
}

// NewPushTokenRepo constructs a PushTokenRepo.
func NewPushTokenRepo(db *sqlx.DB) *PushTokenRepo {
	return &PushTokenRepo{db: db}
}

// Upsert registers or refreshes the user's push token.
func (r *PushTokenRepo) Upsert(ctx context.Context, userID, token string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO user_push_tokens (user_id, push_token, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (user_id) DO UPDATE SET push_token = EXCLUDED.push_token, updated_at = NOW()`,
		userID, token)
	return err
}

// Get returns the user's push token, or ErrUserNotFound when none is registered.
func (r *PushTokenRepo) Get(ctx context.Context, userID string) (string, error) {
	var token string
	err := r.db.GetContext(ctx, &token, `SELECT push_token FROM user_push_tokens WHERE user_id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	return token, err
}
