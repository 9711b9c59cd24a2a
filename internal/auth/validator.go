// Package auth resolves bearer tokens into identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/models"
	"chat-gateway/internal/repositories"
)

// Claims are the JWT claims issued by the auth service.
type Claims struct {
	UserID int64 `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// Validator checks HS256 tokens against the shared secret and the user store.
type Validator struct {
	secret []byte
	issuer string
	users  repositories.UserRepository
	log    *zap.Logger
	now    func() time.Time
}

// NewValidator constructs a Validator. An empty issuer disables the issuer check.
func NewValidator(secret, issuer string, users repositories.UserRepository, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{secret: []byte(secret), issuer: issuer, users: users, log: log, now: time.Now}
}

// Validate resolves token into the identity it was issued for.
func (v *Validator) Validate(ctx context.Context, token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, fmt.Errorf("%w: missing token", errs.ErrAuthenticationFailed)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", errs.ErrAuthenticationFailed, err)
	}

	userID, err := subjectID(claims)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", errs.ErrAuthenticationFailed, err)
	}

	if claims.ID != "" {
		revoked, err := v.users.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			v.log.Warn("token blacklist lookup failed", zap.Int64("user_id", userID), zap.Error(err))
			return models.Identity{}, fmt.Errorf("%w: blacklist unavailable", errs.ErrAuthenticationFailed)
		}
		if revoked {
			return models.Identity{}, fmt.Errorf("%w: token revoked", errs.ErrAuthenticationFailed)
		}
	}

	user, err := v.users.GetUser(ctx, userID)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return models.Identity{}, fmt.Errorf("%w: unknown user", errs.ErrAuthenticationFailed)
	}
	if err != nil {
		v.log.Warn("user lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return models.Identity{}, fmt.Errorf("%w: user store unavailable", errs.ErrAuthenticationFailed)
	}
	return user.Identity(), nil
}

func subjectID(claims *Claims) (int64, error) {
	if claims.UserID > 0 {
		return claims.UserID, nil
	}
	if claims.Subject == "" {
		return 0, errors.New("token has no subject")
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid subject %q", claims.Subject)
	}
	return id, nil
}

// TokenFromRequest reads the token from the `token` query parameter or, failing
// that, from the last word of the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
