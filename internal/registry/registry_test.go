package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id       string
	mu       sync.Mutex
	received []Delivery
	accept   bool
	calls    atomic.Int64
}

func newSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id, accept: true}
}

func (s *fakeSubscriber) SubscriberID() string { return s.id }

func (s *fakeSubscriber) Deliver(d Delivery) bool {
	s.calls.Add(1)
	if !s.accept {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, d)
	return true
}

func (s *fakeSubscriber) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.received))
	for _, d := range s.received {
		out = append(out, string(d.Payload))
	}
	return out
}

func TestGroupKeys(t *testing.T) {
	assert.Equal(t, Group("chat:5"), ChatGroup(5))
	assert.Equal(t, Group("mailbox:7"), MailboxGroup(7))
	assert.Equal(t, Group("inbox:9"), InboxGroup(9))

	scope, id, err := ParseGroup("mailbox:7")
	require.NoError(t, err)
	assert.Equal(t, ScopeMailbox, scope)
	assert.EqualValues(t, 7, id)

	for _, bad := range []string{"", "chat", "room:1", "chat:x", "chat:-1", "chat:0"} {
		_, _, err := ParseGroup(bad)
		assert.Error(t, err, bad)
	}
}

func TestJoinIsIdempotentAndGroupsAreCollected(t *testing.T) {
	r := NewLocal(4, nil)
	ctx := context.Background()
	a := newSubscriber("a")

	require.NoError(t, r.Join(ctx, ChatGroup(1), a))
	require.NoError(t, r.Join(ctx, ChatGroup(1), a))
	assert.Equal(t, 1, r.Members(ChatGroup(1)))
	assert.True(t, r.Contains(ChatGroup(1), "a"))
	assert.False(t, r.Contains(ChatGroup(2), "a"))
	assert.Equal(t, Stats{Groups: 1, Subscriptions: 1}, r.Stats())

	n, err := r.Broadcast(ctx, ChatGroup(1), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"x"}, a.payloads())

	require.NoError(t, r.Leave(ctx, ChatGroup(1), a))
	require.NoError(t, r.Leave(ctx, ChatGroup(1), a))
	assert.Zero(t, r.Members(ChatGroup(1)))
	assert.False(t, r.Contains(ChatGroup(1), "a"))
	assert.Equal(t, Stats{}, r.Stats())
}

func TestJoinValidates(t *testing.T) {
	r := NewLocal(1, nil)
	assert.ErrorIs(t, r.Join(context.Background(), Group("nope"), newSubscriber("a")), ErrInvalidGroup)
	assert.ErrorIs(t, r.Join(context.Background(), ChatGroup(1), nil), ErrInvalidSubscriber)
	assert.ErrorIs(t, r.Join(context.Background(), ChatGroup(1), newSubscriber("")), ErrInvalidSubscriber)
}

func TestBroadcastToUnknownGroup(t *testing.T) {
	r := NewLocal(1, nil)
	n, err := r.Broadcast(context.Background(), ChatGroup(404), []byte("x"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBroadcastExcludesAndTagsEvent(t *testing.T) {
	r := NewLocal(8, nil)
	ctx := context.Background()
	a, b := newSubscriber("a"), newSubscriber("b")
	require.NoError(t, r.Join(ctx, ChatGroup(1), a))
	require.NoError(t, r.Join(ctx, ChatGroup(1), b))

	n, err := r.Broadcast(ctx, ChatGroup(1), []byte("typing"), Excluding("a"), WithEventID("ev-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, a.payloads())
	require.Len(t, b.received, 1)
	assert.Equal(t, "ev-1", b.received[0].EventID)
	assert.Equal(t, ChatGroup(1), b.received[0].Group)
}

func TestGroupsAreIsolated(t *testing.T) {
	r := NewLocal(8, nil)
	ctx := context.Background()
	a, b := newSubscriber("a"), newSubscriber("b")
	require.NoError(t, r.Join(ctx, ChatGroup(1), a))
	require.NoError(t, r.Join(ctx, ChatGroup(2), b))

	_, err := r.Broadcast(ctx, ChatGroup(1), []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, a.payloads())
	assert.Empty(t, b.payloads())
}

func TestRefusingSubscriberDoesNotAffectOthers(t *testing.T) {
	r := NewLocal(2, nil)
	ctx := context.Background()
	slow := newSubscriber("slow")
	slow.accept = false
	fast := newSubscriber("fast")
	require.NoError(t, r.Join(ctx, ChatGroup(1), slow))
	require.NoError(t, r.Join(ctx, ChatGroup(1), fast))

	for i := 0; i < 5; i++ {
		_, err := r.Broadcast(ctx, ChatGroup(1), []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, fast.payloads())
	assert.EqualValues(t, 5, slow.calls.Load())
}

func TestConcurrentJoinLeaveBroadcast(t *testing.T) {
	r := NewLocal(16, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := newSubscriber(fmt.Sprintf("s%d", i))
			group := ChatGroup(int64(i%5 + 1))
			for j := 0; j < 100; j++ {
				_ = r.Join(ctx, group, sub)
				_, _ = r.Broadcast(ctx, group, []byte("x"))
				_ = r.Leave(ctx, group, sub)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("registry operations did not finish")
	}
	assert.Equal(t, Stats{}, r.Stats())
}

func TestDecodeRelay(t *testing.T) {
	d := amqp.Delivery{
		RoutingKey: "chat:3",
		Headers:    amqp.Table{HeaderOrigin: "node-b", HeaderExclude: "conn-1", HeaderEventID: "ev"},
	}
	group, o, ok := decodeRelay(d, "node-a")
	require.True(t, ok)
	assert.Equal(t, ChatGroup(3), group)
	assert.Equal(t, "conn-1", o.exclude)
	assert.Equal(t, "ev", o.eventID)

	_, _, ok = decodeRelay(d, "node-b")
	assert.False(t, ok)

	d.RoutingKey = "garbage"
	_, _, ok = decodeRelay(d, "node-a")
	assert.False(t, ok)
}

func TestRelayHeaders(t *testing.T) {
	table := relayHeaders("node-a", broadcastOptions{exclude: "c", eventID: "e"})
	assert.Equal(t, amqp.Table{HeaderOrigin: "node-a", HeaderExclude: "c", HeaderEventID: "e"}, table)
	assert.Equal(t, amqp.Table{HeaderOrigin: "node-a"}, relayHeaders("node-a", broadcastOptions{}))
}

func TestNewAMQPRelayRequiresURL(t *testing.T) {
	_, err := NewAMQPRelay("", "chat.registry", "node", NewLocal(1, nil), nil)
	assert.Error(t, err)
}
