package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/membership"
	"chat-gateway/internal/mocks"
	"chat-gateway/internal/models"
	"chat-gateway/internal/notify"
	"chat-gateway/internal/registry"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/testutil"
)

type recorder struct {
	id string
	mu sync.Mutex
	ds []registry.Delivery
}

func (r *recorder) SubscriberID() string { return r.id }

func (r *recorder) Deliver(d registry.Delivery) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ds = append(r.ds, d)
	return true
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ds))
	for _, d := range r.ds {
		var frame struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(d.Payload, &frame)
		out = append(out, frame.Type)
	}
	return out
}

type notifierMock struct {
	mock.Mock
}

func (m *notifierMock) Dispatch(ctx context.Context, req notify.Request) (models.Notification, error) {
	args := m.Called(ctx, req)
	return models.Notification{}, args.Error(1)
}

type fixture struct {
	conn     *sqlx.DB
	reg      *registry.Local
	pipeline *Pipeline
	alice    models.Identity
	bob      models.Identity
	carol    models.Identity
	chatID   int64
}

func newFixture(t *testing.T, notifier Notifier) *fixture {
	t.Helper()
	conn := testutil.NewStore(t)
	f := &fixture{conn: conn, reg: registry.NewLocal(8, nil)}
	f.alice = models.Identity{UserID: testutil.CreateUser(t, conn, "alice"), Username: "alice", FirstName: "alice"}
	f.bob = models.Identity{UserID: testutil.CreateUser(t, conn, "bob"), Username: "bob", FirstName: "bob"}
	f.carol = models.Identity{UserID: testutil.CreateUser(t, conn, "carol"), Username: "carol", FirstName: "carol"}
	f.chatID = testutil.CreateChat(t, conn, f.alice.UserID, f.bob.UserID)

	chats := repositories.NewChatRepo(conn)
	messages := repositories.NewMessageRepo(conn)
	if notifier == nil {
		notifier = notify.NewDispatcher(repositories.NewNotificationRepo(conn), repositories.NewUserRepo(conn), f.reg, nil)
	}
	f.pipeline = New(messages, chats, membership.NewGate(chats, time.Second, nil), f.reg, notifier, 50, nil)
	return f
}

func (f *fixture) subscribe(t *testing.T, group registry.Group, id string) *recorder {
	t.Helper()
	rec := &recorder{id: id}
	require.NoError(t, f.reg.Join(context.Background(), group, rec))
	return rec
}

func TestSendFansOutToChatMailboxesAndInboxes(t *testing.T) {
	f := newFixture(t, nil)
	chatA := f.subscribe(t, registry.ChatGroup(f.chatID), "a-chat")
	chatB := f.subscribe(t, registry.ChatGroup(f.chatID), "b-chat")
	mailA := f.subscribe(t, registry.MailboxGroup(f.alice.UserID), "a-mail")
	mailB := f.subscribe(t, registry.MailboxGroup(f.bob.UserID), "b-mail")
	inboxA := f.subscribe(t, registry.InboxGroup(f.alice.UserID), "a-inbox")
	inboxB := f.subscribe(t, registry.InboxGroup(f.bob.UserID), "b-inbox")
	outsider := f.subscribe(t, registry.MailboxGroup(f.carol.UserID), "c-mail")

	view, err := f.pipeline.Send(context.Background(), SendRequest{Actor: f.alice, ChatID: f.chatID, Content: "  hi  "})
	require.NoError(t, err)
	assert.Equal(t, "hi", view.Content)
	assert.Equal(t, f.alice, view.Sender)
	assert.Nil(t, view.ReplyTo)

	for _, rec := range []*recorder{chatA, chatB, mailA, mailB} {
		require.Equal(t, []string{"chat_message"}, rec.types(), rec.id)
		assert.Equal(t, view.ID, rec.ds[0].EventID)
	}
	assert.Equal(t, chatA.ds[0].Payload, mailB.ds[0].Payload)

	var frame struct {
		Type    string `json:"type"`
		Message struct {
			ID      string `json:"id"`
			ChatID  int64  `json:"chat_id"`
			Content string `json:"content"`
			Sender  struct {
				ID       int64  `json:"id"`
				Username string `json:"username"`
			} `json:"sender"`
			ReplyTo *json.RawMessage `json:"reply_to"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(chatB.ds[0].Payload, &frame))
	assert.Equal(t, view.ID, frame.Message.ID)
	assert.Equal(t, f.chatID, frame.Message.ChatID)
	assert.Equal(t, "alice", frame.Message.Sender.Username)
	assert.Nil(t, frame.Message.ReplyTo)

	assert.Empty(t, inboxA.types())
	assert.Equal(t, []string{"notification"}, inboxB.types())
	assert.Empty(t, outsider.types())

	var stored int
	require.NoError(t, f.conn.Get(&stored, `SELECT COUNT(*) FROM messages`))
	assert.Equal(t, 1, stored)
	require.NoError(t, f.conn.Get(&stored, `SELECT COUNT(*) FROM notifications WHERE recipient_id=?`, f.bob.UserID))
	assert.Equal(t, 1, stored)
}

func TestSendRejectsInvalidContent(t *testing.T) {
	f := newFixture(t, nil)
	chat := f.subscribe(t, registry.ChatGroup(f.chatID), "watcher")

	for _, content := range []string{"", "   \n", strings.Repeat("x", 51)} {
		_, err := f.pipeline.Send(context.Background(), SendRequest{Actor: f.alice, ChatID: f.chatID, Content: content})
		assert.True(t, errs.IsValidation(err), "content %q", content)
	}
	assert.Empty(t, chat.types())

	var stored int
	require.NoError(t, f.conn.Get(&stored, `SELECT COUNT(*) FROM messages`))
	assert.Zero(t, stored)
}

func TestSendRequiresMembership(t *testing.T) {
	f := newFixture(t, nil)
	chat := f.subscribe(t, registry.ChatGroup(f.chatID), "watcher")

	_, err := f.pipeline.Send(context.Background(), SendRequest{Actor: f.carol, ChatID: f.chatID, Content: "let me in"})
	assert.ErrorIs(t, err, errs.ErrAuthorizationDenied)
	assert.Empty(t, chat.types())
}

func TestSendMembershipRevokedMidSession(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.pipeline.Send(context.Background(), SendRequest{Actor: f.bob, ChatID: f.chatID, Content: "one"})
	require.NoError(t, err)

	testutil.RemoveMember(t, f.conn, f.chatID, f.bob.UserID)
	_, err = f.pipeline.Send(context.Background(), SendRequest{Actor: f.bob, ChatID: f.chatID, Content: "two"})
	assert.ErrorIs(t, err, errs.ErrAuthorizationDenied)
}

func TestSendWithReply(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.pipeline.Send(context.Background(), SendRequest{Actor: f.bob, ChatID: f.chatID, Content: strings.Repeat("q", 50)})
	require.NoError(t, err)

	reply, err := f.pipeline.Send(context.Background(), SendRequest{Actor: f.alice, ChatID: f.chatID, Content: "a", ReplyToID: &first.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, first.ID, reply.ReplyTo.ID)
	assert.Equal(t, "bob", reply.ReplyTo.Sender)

	otherChat := testutil.CreateChat(t, f.conn, f.alice.UserID)
	_, err = f.pipeline.Send(context.Background(), SendRequest{Actor: f.alice, ChatID: otherChat, Content: "cross", ReplyToID: &first.ID})
	assert.True(t, errs.IsValidation(err))

	missing := "00000000-0000-0000-0000-000000000000"
	_, err = f.pipeline.Send(context.Background(), SendRequest{Actor: f.alice, ChatID: f.chatID, Content: "x", ReplyToID: &missing})
	assert.True(t, errs.IsValidation(err))
}

func TestSendAbortsWhenPersistenceFails(t *testing.T) {
	notifier := new(notifierMock)
	f := newFixture(t, notifier)
	chat := f.subscribe(t, registry.ChatGroup(f.chatID), "watcher")
	mailA := f.subscribe(t, registry.MailboxGroup(f.alice.UserID), "a-mail")
	mailB := f.subscribe(t, registry.MailboxGroup(f.bob.UserID), "b-mail")
	inboxB := f.subscribe(t, registry.InboxGroup(f.bob.UserID), "b-inbox")

	messages := new(mocks.MessageRepositoryMock)
	messages.On("CreateMessage", mock.Anything, mock.MatchedBy(func(in models.NewMessage) bool {
		return in.ChatID == f.chatID && in.SenderID == f.alice.UserID && in.Content == "lost"
	})).Return(nil, errs.Store("insert message", context.DeadlineExceeded)).Once()

	chats := repositories.NewChatRepo(f.conn)
	p := New(messages, chats, membership.NewGate(chats, time.Second, nil), f.reg, notifier, 50, nil)

	view, err := p.Send(context.Background(), SendRequest{Actor: f.alice, ChatID: f.chatID, Content: "lost"})
	require.Error(t, err)
	assert.True(t, errs.IsStore(err))
	assert.Empty(t, view.ID)

	for _, rec := range []*recorder{chat, mailA, mailB, inboxB} {
		assert.Empty(t, rec.types(), rec.id)
	}
	messages.AssertExpectations(t)
	notifier.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestNotificationFailureDoesNotUndoSend(t *testing.T) {
	notifier := new(notifierMock)
	f := newFixture(t, notifier)
	chat := f.subscribe(t, registry.ChatGroup(f.chatID), "watcher")

	notifier.On("Dispatch", mock.Anything, mock.MatchedBy(func(req notify.Request) bool {
		return req.RecipientID == f.bob.UserID
	})).Return(models.Notification{}, assert.AnError).Once()

	view, err := f.pipeline.Send(context.Background(), SendRequest{Actor: f.alice, ChatID: f.chatID, Content: "still here"})
	require.NoError(t, err)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, []string{"chat_message"}, chat.types())
	notifier.AssertExpectations(t)
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	view, err := f.pipeline.Send(context.Background(), SendRequest{Actor: f.alice, ChatID: f.chatID, Content: "draft"})
	require.NoError(t, err)

	chat := f.subscribe(t, registry.ChatGroup(f.chatID), "watcher")
	mailB := f.subscribe(t, registry.MailboxGroup(f.bob.UserID), "b-mail")
	inboxB := f.subscribe(t, registry.InboxGroup(f.bob.UserID), "b-inbox")

	_, err = f.pipeline.Edit(context.Background(), EditRequest{Actor: f.bob, MessageID: view.ID, Content: "hijack"})
	assert.ErrorIs(t, err, errs.ErrAuthorizationDenied)

	update, err := f.pipeline.Edit(context.Background(), EditRequest{Actor: f.alice, MessageID: view.ID, Content: "final"})
	require.NoError(t, err)
	assert.True(t, update.IsEdited)
	assert.Equal(t, "final", update.Content)

	assert.ErrorIs(t, f.pipeline.Delete(context.Background(), f.bob, view.ID), errs.ErrAuthorizationDenied)
	require.NoError(t, f.pipeline.Delete(context.Background(), f.alice, view.ID))
	assert.True(t, errs.IsValidation(f.pipeline.Delete(context.Background(), f.alice, view.ID)))

	assert.Equal(t, []string{"message_updated", "message_deleted"}, chat.types())
	assert.Equal(t, []string{"message_updated", "message_deleted"}, mailB.types())
	assert.Empty(t, inboxB.types())
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	view, err := f.pipeline.Send(context.Background(), SendRequest{Actor: f.alice, ChatID: f.chatID, Content: "read me"})
	require.NoError(t, err)
	chat := f.subscribe(t, registry.ChatGroup(f.chatID), "watcher")

	created, err := f.pipeline.MarkRead(context.Background(), view.ID, f.bob.UserID)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = f.pipeline.MarkRead(context.Background(), view.ID, f.bob.UserID)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = f.pipeline.MarkRead(context.Background(), view.ID, f.carol.UserID)
	assert.ErrorIs(t, err, errs.ErrAuthorizationDenied)
	_, err = f.pipeline.MarkRead(context.Background(), "nope", f.bob.UserID)
	assert.True(t, errs.IsValidation(err))

	assert.Empty(t, chat.types())
}

func TestPerSenderOrderIsPreserved(t *testing.T) {
	f := newFixture(t, nil)
	chat := f.subscribe(t, registry.ChatGroup(f.chatID), "watcher")

	var sent []string
	for i := 0; i < 10; i++ {
		view, err := f.pipeline.Send(context.Background(), SendRequest{Actor: f.alice, ChatID: f.chatID, Content: strings.Repeat("m", i+1)})
		require.NoError(t, err)
		sent = append(sent, view.ID)
	}

	chat.mu.Lock()
	defer chat.mu.Unlock()
	require.Len(t, chat.ds, 10)
	for i, d := range chat.ds {
		assert.Equal(t, sent[i], d.EventID)
	}
}
