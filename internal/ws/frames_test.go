package ws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/registry"
)

func TestParseFrame(t *testing.T) {
	f, err := parseFrame([]byte(`{"content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, FrameMessage, f.Type)
	assert.Equal(t, "hi", f.Content)

	f, err = parseFrame([]byte(`{"type":"typing","chat_id":"42","is_typing":true}`))
	require.NoError(t, err)
	assert.Equal(t, FrameTyping, f.Type)
	assert.EqualValues(t, 42, f.ChatID)
	assert.True(t, f.IsTyping)

	f, err = parseFrame([]byte(`{"type":"message","chat_id":7,"content":"x","reply_to":""}`))
	require.NoError(t, err)
	assert.EqualValues(t, 7, f.ChatID)
	assert.Nil(t, f.ReplyTo)
}

func TestParseFrameRejects(t *testing.T) {
	_, err := parseFrame([]byte(`{not json`))
	assert.True(t, errs.IsProtocol(err))
	assert.Equal(t, "invalid frame: invalid JSON", errs.ClientMessage(err))

	_, err = parseFrame([]byte(`{"type":"message","chat_id":"abc"}`))
	assert.True(t, errs.IsProtocol(err))

	_, err = parseFrame([]byte(`{"type":"message","chat_id":-3}`))
	require.True(t, errs.IsValidation(err))
	assert.Equal(t, "chat_id: invalid value", err.Error())

	_, err = parseFrame([]byte(`{"type":"message_read","message_id":"nope"}`))
	require.True(t, errs.IsValidation(err))
	assert.Equal(t, "message_id: invalid value", err.Error())
}

func TestStampSeq(t *testing.T) {
	assert.Equal(t, `{"seq":3,"type":"x"}`, string(stampSeq([]byte(`{"type":"x"}`), 3)))
	assert.Equal(t, `{"seq":1}`, string(stampSeq([]byte(`{}`), 1)))
	assert.Equal(t, `[1]`, string(stampSeq([]byte(`[1]`), 1)))
}

func TestEventRingForgetsOldest(t *testing.T) {
	r := newEventRing(2)
	assert.False(t, r.seen("a"))
	assert.True(t, r.seen("a"))
	assert.False(t, r.seen("b"))
	assert.False(t, r.seen("c"))
	assert.False(t, r.seen("a"), "a was evicted by c")
	assert.True(t, r.seen("c"))
}

func TestCloseCodeFor(t *testing.T) {
	assert.Equal(t, CloseAuthFailed, closeCodeFor(errs.ErrAuthenticationFailed))
	assert.Equal(t, CloseForbidden, closeCodeFor(errs.ErrAuthorizationDenied))
	assert.Equal(t, CloseForbidden, closeCodeFor(errs.Validation("chat_id", "bad")))
	assert.Equal(t, CloseInternalError, closeCodeFor(errs.ErrTimeout))
	assert.Equal(t, CloseInternalError, closeCodeFor(errs.Store("op", assert.AnError)))
}

func newDetachedSession(t *testing.T, buffer int) *Session {
	t.Helper()
	h := NewHandler(registry.NewLocal(1, nil), nil, nil, nil, nil, nil, Options{SendBuffer: buffer}, zap.NewNop())
	s := newSession(context.Background(), h, nil, registry.ScopeMailbox, 1, ConnInfo{ConnID: "c1"})
	t.Cleanup(s.cancel)
	return s
}

func TestUnknownFrameIsLoggedAsWarning(t *testing.T) {
	s := newDetachedSession(t, 4)
	core, logs := observer.New(zap.WarnLevel)
	s.log = zap.New(core)

	s.handleFrame([]byte(`{"type":"dance"}`))

	entries := logs.FilterMessage("unknown frame type").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, "dance", entries[0].ContextMap()["type"])
	assert.Empty(t, s.send)
}

func TestDeliverDedupsAndFiltersGroups(t *testing.T) {
	s := newDetachedSession(t, 8)
	chat := registry.ChatGroup(5)
	mailbox := registry.MailboxGroup(1)
	s.groups[chat] = struct{}{}
	s.groups[mailbox] = struct{}{}

	assert.True(t, s.Deliver(registry.Delivery{Group: chat, Payload: []byte(`{"n":1}`), EventID: "m1"}))
	assert.True(t, s.Deliver(registry.Delivery{Group: mailbox, Payload: []byte(`{"n":1}`), EventID: "m1"}))
	assert.False(t, s.Deliver(registry.Delivery{Group: registry.ChatGroup(6), Payload: []byte(`{"n":2}`)}))
	assert.True(t, s.Deliver(registry.Delivery{Group: chat, Payload: []byte(`{"n":3}`)}))

	require.Len(t, s.send, 2)
	assert.Equal(t, `{"n":1}`, string(<-s.send))
	assert.Equal(t, `{"n":3}`, string(<-s.send))
}

func TestDeliverClosesSlowConsumer(t *testing.T) {
	s := newDetachedSession(t, 1)
	group := registry.ChatGroup(5)
	s.groups[group] = struct{}{}
	s.state.Store(int32(StateActive))

	assert.True(t, s.Deliver(registry.Delivery{Group: group, Payload: []byte(`{}`)}))
	assert.False(t, s.Deliver(registry.Delivery{Group: group, Payload: []byte(`{}`)}))
	assert.Equal(t, StateClosing, s.State())
	assert.Equal(t, CloseSlowConsumer, s.closeCode)
	select {
	case <-s.done:
	default:
		t.Fatal("done not closed")
	}

	assert.False(t, s.Deliver(registry.Delivery{Group: group, Payload: []byte(`{}`)}))
}

func TestAdvanceIsForwardOnly(t *testing.T) {
	s := newDetachedSession(t, 1)
	assert.True(t, s.advance(StateAuthenticated))
	assert.False(t, s.advance(StateConnecting))
	assert.True(t, s.advance(StateActive))
	s.closeWith(CloseNormal, "")
	assert.False(t, s.advance(StateActive))
	assert.Equal(t, "closing", s.State().String())
}
