package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"chat-gateway/internal/errs"
)

// ChatRepository answers chat membership questions. The gateway never mutates memberships.
type ChatRepository interface {
	IsMember(ctx context.Context, chatID int64, userID int64) (bool, error)
	ListMemberIDs(ctx context.Context, chatID int64) ([]int64, error)
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// IsMember checks whether a user belongs to the chat.
func (r *ChatRepo) IsMember(ctx context.Context, chatID int64, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM chat_memberships WHERE chat_id=? AND user_id=?)`), chatID, userID)
	if err != nil {
		return false, errs.Store("is chat member", err)
	}
	return exists, nil
}

// ListMemberIDs returns every member of the chat ordered by user id.
func (r *ChatRepo) ListMemberIDs(ctx context.Context, chatID int64) ([]int64, error) {
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`SELECT user_id FROM chat_memberships WHERE chat_id=? ORDER BY user_id`), chatID); err != nil {
		return nil, errs.Store("list chat members", err)
	}
	return ids, nil
}
