package models

import "time"

// Membership roles.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

// ChatMembership links a user to a chat. The gateway only reads it.
type ChatMembership struct {
	ChatID   int64     `db:"chat_id" json:"chat_id"`
	UserID   int64     `db:"user_id" json:"user_id"`
	Role     string    `db:"role" json:"role"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}
