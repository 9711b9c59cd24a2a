// Package pipeline accepts chat messages, persists them and fans them out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/models"
	"chat-gateway/internal/notify"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/registry"
	"chat-gateway/internal/repositories"
)

const DefaultMaxContentLength = 4000

// Authorizer checks chat membership.
type Authorizer interface {
	AuthorizeChat(ctx context.Context, chatID, userID int64) error
}

// Notifier delivers side-channel notifications.
type Notifier interface {
	Dispatch(ctx context.Context, req notify.Request) (models.Notification, error)
}

// Pipeline runs the send, edit, delete and read flows.
type Pipeline struct {
	messages   repositories.MessageRepository
	chats      repositories.ChatRepository
	gate       Authorizer
	registry   registry.Registry
	notifier   Notifier
	maxContent int
	log        *zap.Logger
}

// New constructs a Pipeline. A non-positive maxContent falls back to DefaultMaxContentLength.
func New(messages repositories.MessageRepository, chats repositories.ChatRepository, gate Authorizer, reg registry.Registry, notifier Notifier, maxContent int, log *zap.Logger) *Pipeline {
	if maxContent <= 0 {
		maxContent = DefaultMaxContentLength
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		messages:   messages,
		chats:      chats,
		gate:       gate,
		registry:   reg,
		notifier:   notifier,
		maxContent: maxContent,
		log:        log,
	}
}

// SendRequest is one inbound chat message.
type SendRequest struct {
	Actor     models.Identity
	ChatID    int64
	Content   string
	ReplyToID *string
}

// Send validates, persists and broadcasts a message. Once persisted the send
// is never undone; later fan-out failures are logged.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (models.MessageView, error) {
	ctx, span := otel.Tracer("chat-gateway/pipeline").Start(ctx, "pipeline.send")
	defer span.End()
	span.SetAttributes(attribute.Int64("chat.id", req.ChatID), attribute.Int64("user.id", req.Actor.UserID))

	content, err := p.cleanContent(req.Content)
	if err != nil {
		observability.IncPipeline("send", "invalid")
		return models.MessageView{}, err
	}
	if err := p.gate.AuthorizeChat(ctx, req.ChatID, req.Actor.UserID); err != nil {
		observability.IncPipeline("send", "denied")
		return models.MessageView{}, err
	}

	var reply *models.ReplySummary
	replyToID := lo.FromPtr(req.ReplyToID)
	if replyToID != "" {
		target, err := p.messages.GetMessage(ctx, replyToID)
		switch {
		case errors.Is(err, repositories.ErrMessageNotFound) || (err == nil && target.ChatID != req.ChatID):
			observability.IncPipeline("send", "invalid")
			return models.MessageView{}, errs.Validation("reply_to_id", "message not found in this chat")
		case err != nil:
			observability.IncPipeline("send", "store_error")
			return models.MessageView{}, errs.Store("load reply target", err)
		}
		reply = models.NewReplySummary(target)
	}

	var replyPtr *string
	if replyToID != "" {
		replyPtr = &replyToID
	}
	msg, err := p.messages.CreateMessage(ctx, models.NewMessage{
		ChatID:    req.ChatID,
		SenderID:  req.Actor.UserID,
		Content:   content,
		ReplyToID: replyPtr,
	})
	if err != nil {
		observability.IncPipeline("send", "store_error")
		return models.MessageView{}, errs.Store("create message", err)
	}

	view := models.NewMessageView(msg, req.Actor, reply)
	payload, err := models.Encode(models.ChatMessageEvent{Type: models.EventChatMessage, Message: view})
	if err != nil {
		return view, err
	}

	members := p.fanout(ctx, req.ChatID, payload, msg.ID)
	observability.IncPipeline("send", "ok")

	for _, recipient := range lo.Without(members, req.Actor.UserID) {
		if _, err := p.notifier.Dispatch(ctx, notify.NewMessage(recipient, req.Actor, view)); err != nil {
			observability.IncPipeline("notify", "error")
			p.log.Warn("message notification failed",
				zap.String("message_id", msg.ID),
				zap.Int64("recipient_id", recipient),
				zap.Error(err))
		}
	}
	return view, nil
}

// EditRequest changes the content of the actor's own message.
type EditRequest struct {
	Actor     models.Identity
	MessageID string
	Content   string
}

// Edit updates a message and broadcasts message_updated. No notifications are sent.
func (p *Pipeline) Edit(ctx context.Context, req EditRequest) (models.MessageUpdate, error) {
	content, err := p.cleanContent(req.Content)
	if err != nil {
		observability.IncPipeline("edit", "invalid")
		return models.MessageUpdate{}, err
	}
	msg, err := p.ownMessage(ctx, req.Actor, req.MessageID)
	if err != nil {
		observability.IncPipeline("edit", "denied")
		return models.MessageUpdate{}, err
	}

	updated, err := p.messages.UpdateContent(ctx, msg.ID, req.Actor.UserID, content)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.MessageUpdate{}, errs.Validation("message_id", "message not found")
	}
	if err != nil {
		observability.IncPipeline("edit", "store_error")
		return models.MessageUpdate{}, errs.Store("update message", err)
	}

	update := models.MessageUpdate{
		ID:        updated.ID,
		ChatID:    updated.ChatID,
		Content:   updated.Content,
		IsEdited:  updated.IsEdited,
		UpdatedAt: updated.UpdatedAt,
	}
	payload, err := models.Encode(models.MessageUpdatedEvent{Type: models.EventMessageUpdated, Message: update})
	if err != nil {
		return update, err
	}
	p.fanout(ctx, updated.ChatID, payload, uuid.NewString())
	observability.IncPipeline("edit", "ok")
	return update, nil
}

// Delete removes the actor's own message and broadcasts message_deleted.
func (p *Pipeline) Delete(ctx context.Context, actor models.Identity, messageID string) error {
	msg, err := p.ownMessage(ctx, actor, messageID)
	if err != nil {
		observability.IncPipeline("delete", "denied")
		return err
	}

	err = p.messages.DeleteMessage(ctx, msg.ID, actor.UserID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return errs.Validation("message_id", "message not found")
	}
	if err != nil {
		observability.IncPipeline("delete", "store_error")
		return errs.Store("delete message", err)
	}

	payload, err := models.Encode(models.MessageDeletedEvent{Type: models.EventMessageDeleted, MessageID: msg.ID, ChatID: msg.ChatID})
	if err != nil {
		return err
	}
	p.fanout(ctx, msg.ChatID, payload, uuid.NewString())
	observability.IncPipeline("delete", "ok")
	return nil
}

// MarkRead records that userID read messageID. Repeated calls are no-ops. It
// reports whether a new receipt was written.
func (p *Pipeline) MarkRead(ctx context.Context, messageID string, userID int64) (bool, error) {
	msg, err := p.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return false, errs.Validation("message_id", "message not found")
	}
	if err != nil {
		return false, errs.Store("load message", err)
	}
	if err := p.gate.AuthorizeChat(ctx, msg.ChatID, userID); err != nil {
		return false, err
	}
	created, err := p.messages.MarkRead(ctx, msg.ID, userID)
	if err != nil {
		return false, errs.Store("mark read", err)
	}
	observability.IncPipeline("mark_read", "ok")
	return created, nil
}

func (p *Pipeline) cleanContent(raw string) (string, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", errs.Validation("content", "must not be empty")
	}
	if utf8.RuneCountInString(content) > p.maxContent {
		return "", errs.Validation("content", fmt.Sprintf("must be at most %d characters", p.maxContent))
	}
	return content, nil
}

func (p *Pipeline) ownMessage(ctx context.Context, actor models.Identity, messageID string) (models.Message, error) {
	msg, err := p.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, errs.Validation("message_id", "message not found")
	}
	if err != nil {
		return models.Message{}, errs.Store("load message", err)
	}
	if err := p.gate.AuthorizeChat(ctx, msg.ChatID, actor.UserID); err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != actor.UserID {
		return models.Message{}, errs.ErrAuthorizationDenied
	}
	return msg, nil
}

// fanout broadcasts payload to the chat group and to every member's mailbox,
// and returns the members it resolved.
func (p *Pipeline) fanout(ctx context.Context, chatID int64, payload []byte, eventID string) []int64 {
	if _, err := p.registry.Broadcast(ctx, registry.ChatGroup(chatID), payload, registry.WithEventID(eventID)); err != nil {
		p.log.Warn("chat broadcast failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}

	members, err := p.chats.ListMemberIDs(ctx, chatID)
	if err != nil {
		observability.IncPipeline("fanout", "store_error")
		p.log.Warn("list chat members failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return nil
	}
	for _, member := range members {
		if _, err := p.registry.Broadcast(ctx, registry.MailboxGroup(member), payload, registry.WithEventID(eventID)); err != nil {
			p.log.Warn("mailbox broadcast failed", zap.Int64("user_id", member), zap.Error(err))
		}
	}
	return members
}
