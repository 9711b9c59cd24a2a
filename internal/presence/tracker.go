// Package presence broadcasts ephemeral online and typing signals to chat groups.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-gateway/internal/models"
	"chat-gateway/internal/registry"
)

// Tracker publishes presence and typing events. Nothing is persisted.
type Tracker struct {
	registry registry.Registry
	log      *zap.Logger
}

// NewTracker constructs a Tracker.
func NewTracker(reg registry.Registry, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{registry: reg, log: log}
}

// Announcement is an online status that has been broadcast and can be withdrawn once.
type Announcement struct {
	tracker  *Tracker
	chatID   int64
	identity models.Identity
	once     sync.Once
}

// Announce broadcasts user_status:online to the chat group, the announcer included.
func (t *Tracker) Announce(ctx context.Context, chatID int64, identity models.Identity) *Announcement {
	t.broadcastStatus(ctx, chatID, identity, models.StatusOnline)
	return &Announcement{tracker: t, chatID: chatID, identity: identity}
}

// Withdraw broadcasts user_status:offline. Only the first call has any effect.
func (a *Announcement) Withdraw(ctx context.Context) {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.tracker.broadcastStatus(ctx, a.chatID, a.identity, models.StatusOffline)
	})
}

func (t *Tracker) broadcastStatus(ctx context.Context, chatID int64, identity models.Identity, status string) {
	payload, err := models.Encode(models.UserStatusEvent{
		Type:   models.EventUserStatus,
		ChatID: chatID,
		UserID: identity.UserID,
		Status: status,
	})
	if err != nil {
		t.log.Error("encode user status", zap.Error(err))
		return
	}
	if _, err := t.registry.Broadcast(ctx, registry.ChatGroup(chatID), payload); err != nil {
		t.log.Warn("presence broadcast failed", zap.Int64("chat_id", chatID), zap.String("status", status), zap.Error(err))
	}
}

// Typing broadcasts a typing signal to the chat group, skipping the sending connection.
func (t *Tracker) Typing(ctx context.Context, chatID int64, identity models.Identity, connID string, isTyping bool) error {
	payload, err := models.Encode(models.TypingEvent{
		Type:     models.EventTyping,
		ChatID:   chatID,
		UserID:   identity.UserID,
		Username: identity.Username,
		IsTyping: isTyping,
	})
	if err != nil {
		return err
	}
	_, err = t.registry.Broadcast(ctx, registry.ChatGroup(chatID), payload, registry.Excluding(connID))
	return err
}

// Debouncer drops repeated identical typing states for one connection.
// It is not safe for concurrent use; a connection's read loop owns it.
type Debouncer struct {
	window time.Duration
	last   map[int64]typingState
	now    func() time.Time
}

type typingState struct {
	typing bool
	at     time.Time
}

// NewDebouncer creates a Debouncer. A zero window disables it.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window, last: make(map[int64]typingState), now: time.Now}
}

// Allow reports whether a typing state for chatID should be broadcast.
func (d *Debouncer) Allow(chatID int64, isTyping bool) bool {
	if d.window <= 0 {
		return true
	}
	now := d.now()
	prev, ok := d.last[chatID]
	if ok && prev.typing == isTyping && now.Sub(prev.at) < d.window {
		return false
	}
	d.last[chatID] = typingState{typing: isTyping, at: now}
	return true
}
