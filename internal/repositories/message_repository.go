package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	UpdateContent(ctx context.Context, messageID string, senderID int64, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string, senderID int64) error
	MarkRead(ctx context.Context, messageID string, userID int64) (bool, error)
}

// storedNow is the current time at the precision postgres keeps for TIMESTAMPTZ,
// so a record returned from an insert matches the row read back later.
func storedNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db, now: storedNow}
}

const selectMessage = `SELECT m.id, m.chat_id, m.sender_id, COALESCE(u.username, '') AS sender_username, m.content,
        m.reply_to_id, m.is_edited, m.created_at, m.updated_at
        FROM messages m LEFT JOIN users u ON u.id = m.sender_id`

// CreateMessage stores a message and returns the persisted record.
func (r *MessageRepo) CreateMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	now := r.now()
	msg := models.Message{
		ID:        uuid.NewString(),
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		ReplyToID: in.ReplyToID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO messages (id, chat_id, sender_id, content, reply_to_id, is_edited, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, FALSE, ?, ?)`),
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.ReplyToID, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return models.Message{}, errs.Store("save message", err)
	}
	return msg, nil
}

// GetMessage retrieves a single message with its sender's username.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return models.Message{}, ErrMessageNotFound
	}
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, r.db.Rebind(selectMessage+` WHERE m.id=?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, errs.Store("get message", err)
	}
	return msg, nil
}

// UpdateContent edits a message owned by senderID.
func (r *MessageRepo) UpdateContent(ctx context.Context, messageID string, senderID int64, content string) (models.Message, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return models.Message{}, ErrMessageNotFound
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE messages SET content=?, is_edited=TRUE, updated_at=? WHERE id=? AND sender_id=?`),
		content, r.now(), messageID, senderID)
	if err != nil {
		return models.Message{}, errs.Store("update message", err)
	}
	if err := requireRow(res, "update message"); err != nil {
		return models.Message{}, err
	}
	return r.GetMessage(ctx, messageID)
}

// DeleteMessage removes a message owned by senderID.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID string, senderID int64) error {
	if _, err := uuid.Parse(messageID); err != nil {
		return ErrMessageNotFound
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM messages WHERE id=? AND sender_id=?`), messageID, senderID)
	if err != nil {
		return errs.Store("delete message", err)
	}
	return requireRow(res, "delete message")
}

// MarkRead records a read receipt once per (message, user). It reports whether a
// new receipt was written.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID string, userID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)
        ON CONFLICT (message_id, user_id) DO NOTHING`), messageID, userID, r.now())
	if err != nil {
		return false, errs.Store("mark message read", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, errs.Store("mark message read", err)
	}
	return count > 0, nil
}

func requireRow(res sql.Result, op string) error {
	count, err := res.RowsAffected()
	if err != nil {
		return errs.Store(op, err)
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}
