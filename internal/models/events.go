package models

import "encoding/json"

// Outbound frame types.
const (
	EventConnectionEstablished = "connection_established"
	EventChatMessage           = "chat_message"
	EventMessageUpdated        = "message_updated"
	EventMessageDeleted        = "message_deleted"
	EventTyping                = "typing"
	EventUserStatus            = "user_status"
	EventNotification          = "notification"
	EventSubscribed            = "subscribed"
	EventUnsubscribed          = "unsubscribed"
	EventError                 = "error"
)

// Presence states carried by user_status frames.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ChatMessageEvent is broadcast once per accepted message.
type ChatMessageEvent struct {
	Type    string      `json:"type"`
	Message MessageView `json:"message"`
}

// MessageUpdatedEvent is broadcast after an edit.
type MessageUpdatedEvent struct {
	Type    string        `json:"type"`
	Message MessageUpdate `json:"message"`
}

// MessageDeletedEvent is broadcast after a delete.
type MessageDeletedEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
}

// TypingEvent signals that a user started or stopped typing.
type TypingEvent struct {
	Type     string `json:"type"`
	ChatID   int64  `json:"chat_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// UserStatusEvent carries presence changes.
type UserStatusEvent struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id"`
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

// NotificationEvent pushes a persisted notification to its recipient.
type NotificationEvent struct {
	Type         string           `json:"type"`
	Notification NotificationView `json:"notification"`
}

// ConnectionEstablishedEvent is the accept handshake frame.
type ConnectionEstablishedEvent struct {
	Type   string `json:"type"`
	Scope  string `json:"scope"`
	ChatID int64  `json:"chat_id,omitempty"`
	UserID int64  `json:"user_id"`
	ConnID string `json:"conn_id"`
}

// SubscriptionEvent acknowledges subscribe/unsubscribe frames.
type SubscriptionEvent struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id"`
}

// ErrorEvent reports a failed action to the connection that sent it.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Encode marshals a frame.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
