package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/models"
	"chat-gateway/internal/registry"
)

type sink struct {
	id     string
	mu     sync.Mutex
	frames []map[string]any
}

func (s *sink) SubscriberID() string { return s.id }

func (s *sink) Deliver(d registry.Delivery) bool {
	var frame map[string]any
	if err := json.Unmarshal(d.Payload, &frame); err != nil {
		return false
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return true
}

func (s *sink) received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.frames...)
}

func setup(t *testing.T) (*Tracker, *sink, *sink) {
	t.Helper()
	reg := registry.NewLocal(4, nil)
	a, b := &sink{id: "conn-a"}, &sink{id: "conn-b"}
	require.NoError(t, reg.Join(context.Background(), registry.ChatGroup(5), a))
	require.NoError(t, reg.Join(context.Background(), registry.ChatGroup(5), b))
	return NewTracker(reg, nil), a, b
}

func TestAnnounceReachesEveryoneAndWithdrawsOnce(t *testing.T) {
	tracker, a, b := setup(t)
	ctx := context.Background()
	alice := models.Identity{UserID: 1, Username: "alice"}

	ann := tracker.Announce(ctx, 5, alice)
	ann.Withdraw(ctx)
	ann.Withdraw(ctx)

	for _, s := range []*sink{a, b} {
		frames := s.received()
		require.Len(t, frames, 2)
		assert.Equal(t, "user_status", frames[0]["type"])
		assert.Equal(t, "online", frames[0]["status"])
		assert.Equal(t, float64(1), frames[0]["user_id"])
		assert.Equal(t, "offline", frames[1]["status"])
	}
}

func TestNilAnnouncementWithdrawIsNoop(t *testing.T) {
	var ann *Announcement
	assert.NotPanics(t, func() { ann.Withdraw(context.Background()) })
}

func TestTypingExcludesSender(t *testing.T) {
	tracker, a, b := setup(t)
	alice := models.Identity{UserID: 1, Username: "alice"}

	require.NoError(t, tracker.Typing(context.Background(), 5, alice, "conn-a", true))

	assert.Empty(t, a.received())
	frames := b.received()
	require.Len(t, frames, 1)
	assert.Equal(t, "typing", frames[0]["type"])
	assert.Equal(t, "alice", frames[0]["username"])
	assert.Equal(t, true, frames[0]["is_typing"])
}

func TestDebouncer(t *testing.T) {
	d := NewDebouncer(time.Second)
	now := time.Unix(100, 0)
	d.now = func() time.Time { return now }

	assert.True(t, d.Allow(1, true))
	assert.False(t, d.Allow(1, true))
	assert.True(t, d.Allow(1, false))
	assert.True(t, d.Allow(2, true))

	now = now.Add(2 * time.Second)
	assert.True(t, d.Allow(2, true))

	assert.True(t, NewDebouncer(0).Allow(1, true))
}
