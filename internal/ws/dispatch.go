package ws

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/pipeline"
	"chat-gateway/internal/registry"
	"chat-gateway/internal/repositories"
)

type frameHandler func(s *Session, ctx context.Context, f inboundFrame) error

var (
	chatFrames = map[FrameKind]frameHandler{
		FrameMessage:     handleMessage,
		FrameTyping:      handleTyping,
		FrameMessageRead: handleMessageRead,
	}
	mailboxFrames = map[FrameKind]frameHandler{
		FrameMessage:     handleMessage,
		FrameTyping:      handleTyping,
		FrameMessageRead: handleMessageRead,
		FrameSubscribe:   handleSubscribe,
		FrameUnsubscribe: handleUnsubscribe,
	}
	inboxFrames = map[FrameKind]frameHandler{
		FrameMarkRead: handleMarkRead,
	}
)

func framesFor(scope registry.Scope) map[FrameKind]frameHandler {
	switch scope {
	case registry.ScopeChat:
		return chatFrames
	case registry.ScopeMailbox:
		return mailboxFrames
	default:
		return inboxFrames
	}
}

// handleFrame parses and runs one inbound frame. Failures are reported to this
// connection only and never close it.
func (s *Session) handleFrame(raw []byte) {
	f, err := parseFrame(raw)
	if err != nil {
		s.reportError(err)
		return
	}
	handler, ok := framesFor(s.scope)[f.Type]
	if !ok {
		s.log.Warn("unknown frame type", zap.String("type", string(f.Type)))
		observability.IncWSEvent(string(s.scope), "unknown_frame")
		return
	}
	if err := handler(s, s.ctx, f); err != nil {
		s.reportError(err)
	}
}

// targetChat resolves the chat a frame addresses. Chat connections are bound
// to one chat; mailbox connections must name it.
func (s *Session) targetChat(f inboundFrame) (int64, error) {
	id := int64(f.ChatID)
	if s.scope == registry.ScopeChat {
		if id != 0 && id != s.resourceID {
			return 0, errs.Validation("chat_id", "does not match this connection")
		}
		return s.resourceID, nil
	}
	if id <= 0 {
		return 0, errs.Validation("chat_id", "is required")
	}
	return id, nil
}

func handleMessage(s *Session, ctx context.Context, f inboundFrame) error {
	chatID, err := s.targetChat(f)
	if err != nil {
		return err
	}
	_, err = s.h.pipeline.Send(ctx, pipeline.SendRequest{
		Actor:     s.identity,
		ChatID:    chatID,
		Content:   f.Content,
		ReplyToID: f.ReplyTo,
	})
	return err
}

func handleTyping(s *Session, ctx context.Context, f inboundFrame) error {
	chatID, err := s.targetChat(f)
	if err != nil {
		return err
	}
	if s.scope != registry.ScopeChat || s.h.opts.RecheckMembership {
		if err := s.h.gate.AuthorizeChat(ctx, chatID, s.identity.UserID); err != nil {
			return err
		}
	}
	if !s.typing.Allow(chatID, f.IsTyping) {
		return nil
	}
	return s.h.presence.Typing(ctx, chatID, s.identity, s.info.ConnID, f.IsTyping)
}

func handleMessageRead(s *Session, ctx context.Context, f inboundFrame) error {
	if f.MessageID == "" {
		return errs.Validation("message_id", "is required")
	}
	_, err := s.h.pipeline.MarkRead(ctx, f.MessageID, s.identity.UserID)
	return err
}

func handleSubscribe(s *Session, ctx context.Context, f inboundFrame) error {
	chatID, err := s.targetChat(f)
	if err != nil {
		return err
	}
	if err := s.h.gate.AuthorizeChat(ctx, chatID, s.identity.UserID); err != nil {
		return err
	}
	if err := s.joinGroup(ctx, registry.ChatGroup(chatID)); err != nil {
		return err
	}
	s.enqueueFrame(models.SubscriptionEvent{Type: models.EventSubscribed, ChatID: chatID})
	return nil
}

func handleUnsubscribe(s *Session, _ context.Context, f inboundFrame) error {
	chatID, err := s.targetChat(f)
	if err != nil {
		return err
	}
	s.leaveGroup(registry.ChatGroup(chatID))
	s.enqueueFrame(models.SubscriptionEvent{Type: models.EventUnsubscribed, ChatID: chatID})
	return nil
}

func handleMarkRead(s *Session, ctx context.Context, f inboundFrame) error {
	if f.NotificationID == "" {
		return errs.Validation("notification_id", "is required")
	}
	err := s.h.notifications.MarkRead(ctx, f.NotificationID, s.identity.UserID)
	switch {
	case errors.Is(err, repositories.ErrNotificationNotFound):
		return errs.Validation("notification_id", "notification not found")
	case err != nil:
		return errs.Store("mark notification read", err)
	}
	return nil
}
