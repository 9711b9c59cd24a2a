// Package testutil provides an in-memory store seeded for tests.
package testutil

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/db"
)

// NewStore opens a migrated in-memory sqlite database closed with the test.
func NewStore(t testing.TB) *sqlx.DB {
	t.Helper()
	conn, err := db.Connect(db.DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// CreateUser inserts a user and returns its id.
func CreateUser(t testing.TB, conn *sqlx.DB, username string) int64 {
	t.Helper()
	res, err := conn.Exec(`INSERT INTO users (username, first_name, last_name) VALUES (?, ?, '')`, username, username)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// CreateChat inserts a chat with the given members and returns its id.
func CreateChat(t testing.TB, conn *sqlx.DB, members ...int64) int64 {
	t.Helper()
	res, err := conn.Exec(`INSERT INTO chats (name, chat_type) VALUES ('', 'private')`)
	require.NoError(t, err)
	chatID, err := res.LastInsertId()
	require.NoError(t, err)
	for _, userID := range members {
		AddMember(t, conn, chatID, userID)
	}
	return chatID
}

// AddMember adds a user to a chat.
func AddMember(t testing.TB, conn *sqlx.DB, chatID, userID int64) {
	t.Helper()
	_, err := conn.Exec(`INSERT INTO chat_memberships (chat_id, user_id, role, joined_at) VALUES (?, ?, 'member', ?)`, chatID, userID, time.Now().UTC())
	require.NoError(t, err)
}

// RemoveMember drops a user from a chat.
func RemoveMember(t testing.TB, conn *sqlx.DB, chatID, userID int64) {
	t.Helper()
	_, err := conn.Exec(`DELETE FROM chat_memberships WHERE chat_id=? AND user_id=?`, chatID, userID)
	require.NoError(t, err)
}

// RevokeToken blacklists a token id.
func RevokeToken(t testing.TB, conn *sqlx.DB, jti string) {
	t.Helper()
	_, err := conn.Exec(`INSERT INTO revoked_tokens (jti, expires_at) VALUES (?, ?)`, jti, time.Now().Add(time.Hour).UTC())
	require.NoError(t, err)
}
