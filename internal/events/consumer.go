// Package events turns domain events published by other services into notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/models"
	"chat-gateway/internal/notify"
	"chat-gateway/internal/repositories"
)

// Routing keys consumed from the events exchange.
const (
	FriendRequestSent     = "friend.request_sent"
	FriendRequestAccepted = "friend.request_accepted"
	ChatInvited           = "chat.invited"
	SystemNotice          = "system.notice"
)

// Bindings lists every routing key the consumer handles.
var Bindings = []string{FriendRequestSent, FriendRequestAccepted, ChatInvited, SystemNotice}

// ErrUnknownEvent is returned for routing keys the consumer does not handle.
var ErrUnknownEvent = errors.New("unknown event")

// Notifier persists and pushes a notification.
type Notifier interface {
	Dispatch(ctx context.Context, req notify.Request) (models.Notification, error)
}

type friendRequestSent struct {
	RequestID  string `json:"request_id" validate:"required"`
	FromUserID int64  `json:"from_user_id" validate:"required,gt=0"`
	ToUserID   int64  `json:"to_user_id" validate:"required,gt=0"`
}

type friendRequestAccepted struct {
	RequesterID int64 `json:"requester_id" validate:"required,gt=0"`
	AccepterID  int64 `json:"accepter_id" validate:"required,gt=0"`
}

type chatInvited struct {
	ChatID    int64   `json:"chat_id" validate:"required,gt=0"`
	ChatName  string  `json:"chat_name"`
	InviterID int64   `json:"inviter_id" validate:"required,gt=0"`
	UserIDs   []int64 `json:"user_ids" validate:"required,min=1,dive,gt=0"`
}

type systemNotice struct {
	UserIDs []int64        `json:"user_ids" validate:"required,min=1,dive,gt=0"`
	Title   string         `json:"title" validate:"required"`
	Message string         `json:"message"`
	Data    models.Payload `json:"data"`
}

var validate = validator.New()

// Consumer maps domain events onto the notification dispatcher.
type Consumer struct {
	notifier Notifier
	users    repositories.UserRepository
	log      *zap.Logger
}

// NewConsumer builds a Consumer.
func NewConsumer(notifier Notifier, users repositories.UserRepository, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{notifier: notifier, users: users, log: log.Named("events")}
}

// Retryable reports whether a Handle error is transient, so the event should be
// redelivered instead of dropped.
func Retryable(err error) bool {
	return errs.IsStore(err) || errors.Is(err, errs.ErrTimeout)
}

// Handle processes one event. Malformed and unknown events are rejected; store
// failures are returned and reported as Retryable.
func (c *Consumer) Handle(ctx context.Context, routingKey string, body []byte) error {
	var err error
	switch routingKey {
	case FriendRequestSent:
		var ev friendRequestSent
		if err = decode(body, &ev); err == nil {
			err = c.friendRequestSent(ctx, ev)
		}
	case FriendRequestAccepted:
		var ev friendRequestAccepted
		if err = decode(body, &ev); err == nil {
			err = c.friendRequestAccepted(ctx, ev)
		}
	case ChatInvited:
		var ev chatInvited
		if err = decode(body, &ev); err == nil {
			err = c.chatInvited(ctx, ev)
		}
	case SystemNotice:
		var ev systemNotice
		if err = decode(body, &ev); err == nil {
			err = c.systemNotice(ctx, ev)
		}
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownEvent, routingKey)
	}
	if err != nil {
		c.log.Warn("domain event failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
	return err
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &errs.ProtocolError{Reason: "invalid JSON", Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return errs.Validation("", err.Error())
	}
	return nil
}

func (c *Consumer) identity(ctx context.Context, userID int64) (models.Identity, error) {
	user, err := c.users.GetUser(ctx, userID)
	if err != nil {
		return models.Identity{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	return user.Identity(), nil
}

func (c *Consumer) friendRequestSent(ctx context.Context, ev friendRequestSent) error {
	sender, err := c.identity(ctx, ev.FromUserID)
	if err != nil {
		return err
	}
	_, err = c.notifier.Dispatch(ctx, notify.NewFriendRequest(ev.ToUserID, sender, ev.RequestID))
	return err
}

func (c *Consumer) friendRequestAccepted(ctx context.Context, ev friendRequestAccepted) error {
	accepter, err := c.identity(ctx, ev.AccepterID)
	if err != nil {
		return err
	}
	_, err = c.notifier.Dispatch(ctx, notify.NewFriendAccepted(ev.RequesterID, accepter))
	return err
}

func (c *Consumer) chatInvited(ctx context.Context, ev chatInvited) error {
	inviter, err := c.identity(ctx, ev.InviterID)
	if err != nil {
		return err
	}
	var failed error
	for _, userID := range ev.UserIDs {
		if userID == ev.InviterID {
			continue
		}
		if _, err := c.notifier.Dispatch(ctx, notify.NewChatInvite(userID, inviter, ev.ChatID, ev.ChatName)); err != nil {
			failed = errors.Join(failed, err)
		}
	}
	return failed
}

func (c *Consumer) systemNotice(ctx context.Context, ev systemNotice) error {
	var failed error
	for _, userID := range ev.UserIDs {
		_, err := c.notifier.Dispatch(ctx, notify.Request{
			RecipientID: userID,
			Kind:        models.KindSystem,
			Title:       ev.Title,
			Body:        ev.Message,
			Payload:     ev.Data,
		})
		if err != nil {
			failed = errors.Join(failed, err)
		}
	}
	return failed
}
