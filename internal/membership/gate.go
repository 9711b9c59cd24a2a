// Package membership decides whether an identity may act on a group.
package membership

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/models"
	"chat-gateway/internal/registry"
	"chat-gateway/internal/repositories"
)

// Gate answers chat membership checks within a bounded time.
type Gate struct {
	chats   repositories.ChatRepository
	timeout time.Duration
	log     *zap.Logger
}

// NewGate constructs a Gate. A zero timeout leaves the check unbounded.
func NewGate(chats repositories.ChatRepository, timeout time.Duration, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{chats: chats, timeout: timeout, log: log}
}

// AuthorizeChat returns nil when userID is a member of chatID.
func (g *Gate) AuthorizeChat(ctx context.Context, chatID, userID int64) error {
	if chatID <= 0 {
		return errs.Validation("chat_id", "must be a positive integer")
	}
	member, err := errs.WithDeadline(ctx, g.timeout, func(ctx context.Context) (bool, error) {
		return g.chats.IsMember(ctx, chatID, userID)
	})
	if errors.Is(err, errs.ErrTimeout) {
		g.log.Warn("membership check timed out", zap.Int64("chat_id", chatID), zap.Int64("user_id", userID))
		return err
	}
	if err != nil {
		return errs.Store("authorize chat", err)
	}
	if !member {
		return errs.ErrAuthorizationDenied
	}
	return nil
}

// AuthorizeScope checks a connection's own scope. Mailbox and inbox groups
// belong to the identity itself and are always allowed.
func (g *Gate) AuthorizeScope(ctx context.Context, scope registry.Scope, resourceID int64, identity models.Identity) error {
	switch scope {
	case registry.ScopeChat:
		return g.AuthorizeChat(ctx, resourceID, identity.UserID)
	case registry.ScopeMailbox, registry.ScopeInbox:
		return nil
	default:
		return errs.Validation("scope", "unknown scope")
	}
}
