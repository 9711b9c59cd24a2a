package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository reads user profiles and the token blacklist.
type UserRepository interface {
	GetUser(ctx context.Context, userID int64) (models.User, error)
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetUser fetches a user by id.
func (r *UserRepo) GetUser(ctx context.Context, userID int64) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, r.db.Rebind(`SELECT id, username, first_name, last_name FROM users WHERE id=?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, errs.Store("get user", err)
	}
	return user, nil
}

// IsTokenRevoked reports whether the token id has been blacklisted.
func (r *UserRepo) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=?)`), jti); err != nil {
		return false, errs.Store("check revoked token", err)
	}
	return exists, nil
}
