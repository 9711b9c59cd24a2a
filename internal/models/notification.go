package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// NotificationKind enumerates the notification types.
type NotificationKind string

const (
	KindMessage        NotificationKind = "message"
	KindFriendRequest  NotificationKind = "friend_request"
	KindFriendAccepted NotificationKind = "friend_accepted"
	KindChatInvite     NotificationKind = "chat_invite"
	KindSystem         NotificationKind = "system"
)

// Valid reports whether k is one of the known kinds.
func (k NotificationKind) Valid() bool {
	switch k {
	case KindMessage, KindFriendRequest, KindFriendAccepted, KindChatInvite, KindSystem:
		return true
	}
	return false
}

// Payload is the structured data attached to a notification.
type Payload map[string]any

// Value stores the payload as JSON text.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads a JSON column.
func (p *Payload) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("payload: unsupported column type %T", src)
	}
	out := Payload{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*p = out
	return nil
}

// Notification is a persisted notification record.
type Notification struct {
	ID          string           `db:"id" json:"id"`
	RecipientID int64            `db:"recipient_id" json:"recipient_id"`
	SenderID    *int64           `db:"sender_id" json:"sender_id,omitempty"`
	Kind        NotificationKind `db:"kind" json:"notification_type"`
	Title       string           `db:"title" json:"title"`
	Body        string           `db:"body" json:"message"`
	Payload     Payload          `db:"payload" json:"data"`
	IsRead      bool             `db:"is_read" json:"is_read"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

// NewNotification carries the fields needed to persist a notification.
type NewNotification struct {
	RecipientID int64
	SenderID    *int64
	Kind        NotificationKind
	Title       string
	Body        string
	Payload     Payload
}

// NotificationView is what clients receive on their inbox.
type NotificationView struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	Message          string           `json:"message"`
	NotificationType NotificationKind `json:"notification_type"`
	Data             Payload          `json:"data"`
	IsRead           bool             `json:"is_read"`
	CreatedAt        time.Time        `json:"created_at"`
	Sender           *Identity        `json:"sender"`
}

// NewNotificationView builds the client view of n.
func NewNotificationView(n Notification, sender *Identity) NotificationView {
	data := n.Payload
	if data == nil {
		data = Payload{}
	}
	return NotificationView{
		ID:               n.ID,
		Title:            n.Title,
		Message:          n.Body,
		NotificationType: n.Kind,
		Data:             data,
		IsRead:           n.IsRead,
		CreatedAt:        n.CreatedAt,
		Sender:           sender,
	}
}
