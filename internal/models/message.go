package models

import (
	"time"
	"unicode/utf8"
)

// ReplyPreviewLength bounds the quoted content of a reply summary.
const ReplyPreviewLength = 100

// Message represents a persisted chat message.
type Message struct {
	ID             string    `db:"id" json:"id"`
	ChatID         int64     `db:"chat_id" json:"chat_id"`
	SenderID       int64     `db:"sender_id" json:"sender_id"`
	SenderUsername string    `db:"sender_username" json:"sender_username"`
	Content        string    `db:"content" json:"content"`
	ReplyToID      *string   `db:"reply_to_id" json:"reply_to_id,omitempty"`
	IsEdited       bool      `db:"is_edited" json:"is_edited"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// NewMessage carries the fields needed to persist a message.
type NewMessage struct {
	ChatID    int64
	SenderID  int64
	Content   string
	ReplyToID *string
}

// MessageRead records that a user has read a message.
type MessageRead struct {
	MessageID string    `db:"message_id" json:"message_id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}

// MessageView is the canonical client representation of a message.
type MessageView struct {
	ID        string        `json:"id"`
	ChatID    int64         `json:"chat_id"`
	Sender    Identity      `json:"sender"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	ReplyTo   *ReplySummary `json:"reply_to"`
}

// ReplySummary quotes the message being replied to.
type ReplySummary struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Sender  string `json:"sender"`
}

// NewReplySummary builds the quote of msg.
func NewReplySummary(msg Message) *ReplySummary {
	return &ReplySummary{ID: msg.ID, Content: truncateRunes(msg.Content, ReplyPreviewLength), Sender: msg.SenderUsername}
}

// NewMessageView builds the canonical view of msg sent by sender.
func NewMessageView(msg Message, sender Identity, reply *ReplySummary) MessageView {
	return MessageView{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		Sender:    sender,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		ReplyTo:   reply,
	}
}

// MessageUpdate is broadcast after an edit.
type MessageUpdate struct {
	ID        string    `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Content   string    `json:"content"`
	IsEdited  bool      `json:"is_edited"`
	UpdatedAt time.Time `json:"updated_at"`
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
