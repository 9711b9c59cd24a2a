package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/models"
)

var ErrNotificationNotFound = errors.New("notification not found")

// NotificationRepository persists notifications.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, n models.NewNotification) (models.Notification, error)
	ListForRecipient(ctx context.Context, recipientID int64, limit int, unreadOnly bool) ([]models.Notification, error)
	MarkRead(ctx context.Context, notificationID string, recipientID int64) error
	MarkAllRead(ctx context.Context, recipientID int64) (int64, error)
	CountUnread(ctx context.Context, recipientID int64) (int, error)
}

// NotificationRepo is a sqlx implementation of NotificationRepository.
type NotificationRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewNotificationRepo constructs a NotificationRepo.
func NewNotificationRepo(db *sqlx.DB) *NotificationRepo {
	return &NotificationRepo{db: db, now: storedNow}
}

// CreateNotification stores a notification and returns the persisted record.
func (r *NotificationRepo) CreateNotification(ctx context.Context, in models.NewNotification) (models.Notification, error) {
	payload := in.Payload
	if payload == nil {
		payload = models.Payload{}
	}
	n := models.Notification{
		ID:          uuid.NewString(),
		RecipientID: in.RecipientID,
		SenderID:    in.SenderID,
		Kind:        in.Kind,
		Title:       in.Title,
		Body:        in.Body,
		Payload:     payload,
		CreatedAt:   r.now(),
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO notifications (id, recipient_id, sender_id, kind, title, body, payload, is_read, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, ?)`),
		n.ID, n.RecipientID, n.SenderID, string(n.Kind), n.Title, n.Body, n.Payload, n.CreatedAt)
	if err != nil {
		return models.Notification{}, errs.Store("save notification", err)
	}
	return n, nil
}

// ListForRecipient returns the newest notifications first.
func (r *NotificationRepo) ListForRecipient(ctx context.Context, recipientID int64, limit int, unreadOnly bool) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, recipient_id, sender_id, kind, title, body, payload, is_read, created_at FROM notifications WHERE recipient_id=?`
	if unreadOnly {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	items := []models.Notification{}
	if err := r.db.SelectContext(ctx, &items, r.db.Rebind(query), recipientID, limit); err != nil {
		return nil, errs.Store("list notifications", err)
	}
	return items, nil
}

// MarkRead flags one notification of the recipient as read.
func (r *NotificationRepo) MarkRead(ctx context.Context, notificationID string, recipientID int64) error {
	if _, err := uuid.Parse(notificationID); err != nil {
		return ErrNotificationNotFound
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE notifications SET is_read = TRUE WHERE id=? AND recipient_id=?`), notificationID, recipientID)
	if err != nil {
		return errs.Store("mark notification read", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return errs.Store("mark notification read", err)
	}
	if count == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllRead flags every unread notification of the recipient.
func (r *NotificationRepo) MarkAllRead(ctx context.Context, recipientID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE notifications SET is_read = TRUE WHERE recipient_id=? AND is_read = FALSE`), recipientID)
	if err != nil {
		return 0, errs.Store("mark all notifications read", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Store("mark all notifications read", err)
	}
	return count, nil
}

// CountUnread counts unread notifications of the recipient.
func (r *NotificationRepo) CountUnread(ctx context.Context, recipientID int64) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE recipient_id=? AND is_read = FALSE`), recipientID); err != nil {
		return 0, errs.Store("count unread notifications", err)
	}
	return count, nil
}
