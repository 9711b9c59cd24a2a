// Package notify persists notifications and pushes them to recipient inboxes.
package notify

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/registry"
	"chat-gateway/internal/repositories"
)

const maxTitleLength = 100

// Request describes one notification to deliver.
type Request struct {
	RecipientID int64
	SenderID    *int64
	// Sender skips the sender lookup when the caller already knows it.
	Sender  *models.Identity
	Kind    models.NotificationKind
	Title   string
	Body    string
	Payload models.Payload
}

// Dispatcher stores a notification, then broadcasts it to inbox:<recipient>.
type Dispatcher struct {
	notifications repositories.NotificationRepository
	users         repositories.UserRepository
	registry      registry.Registry
	log           *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(notifications repositories.NotificationRepository, users repositories.UserRepository, reg registry.Registry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{notifications: notifications, users: users, registry: reg, log: log}
}

// Dispatch persists req and pushes it live. A store failure aborts before any
// broadcast; a broadcast failure is logged and the persisted record returned.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (models.Notification, error) {
	if err := validate(req); err != nil {
		observability.IncNotification(string(req.Kind), "invalid")
		return models.Notification{}, err
	}

	senderID := req.SenderID
	if senderID == nil && req.Sender != nil {
		id := req.Sender.UserID
		senderID = &id
	}

	n, err := d.notifications.CreateNotification(ctx, models.NewNotification{
		RecipientID: req.RecipientID,
		SenderID:    senderID,
		Kind:        req.Kind,
		Title:       truncate(strings.TrimSpace(req.Title), maxTitleLength),
		Body:        req.Body,
		Payload:     req.Payload,
	})
	if err != nil {
		observability.IncNotification(string(req.Kind), "store_error")
		return models.Notification{}, errs.Store("create notification", err)
	}

	sender := req.Sender
	if sender == nil && senderID != nil {
		sender = d.lookupSender(ctx, *senderID)
	}

	payload, err := models.Encode(models.NotificationEvent{
		Type:         models.EventNotification,
		Notification: models.NewNotificationView(n, sender),
	})
	if err != nil {
		return n, err
	}
	if _, err := d.registry.Broadcast(ctx, registry.InboxGroup(n.RecipientID), payload, registry.WithEventID(n.ID)); err != nil {
		observability.IncNotification(string(req.Kind), "broadcast_error")
		d.log.Warn("notification broadcast failed", zap.String("notification_id", n.ID), zap.Int64("recipient_id", n.RecipientID), zap.Error(err))
		return n, nil
	}
	observability.IncNotification(string(req.Kind), "sent")
	return n, nil
}

func (d *Dispatcher) lookupSender(ctx context.Context, senderID int64) *models.Identity {
	user, err := d.users.GetUser(ctx, senderID)
	if err != nil {
		if !errors.Is(err, repositories.ErrUserNotFound) {
			d.log.Warn("notification sender lookup failed", zap.Int64("sender_id", senderID), zap.Error(err))
		}
		return nil
	}
	identity := user.Identity()
	return &identity
}

func validate(req Request) error {
	if req.RecipientID <= 0 {
		return errs.Validation("recipient_id", "must be a positive integer")
	}
	if !req.Kind.Valid() {
		return errs.Validation("notification_type", "unknown notification type")
	}
	if strings.TrimSpace(req.Title) == "" {
		return errs.Validation("title", "must not be empty")
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
