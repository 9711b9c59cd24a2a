package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/middleware"
	"chat-gateway/internal/models"
	"chat-gateway/internal/notify"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/telemetry"
)

// Notifier persists and pushes a notification.
type Notifier interface {
	Dispatch(ctx context.Context, req notify.Request) (models.Notification, error)
}

// NotificationHandler serves the notification inbox over HTTP.
type NotificationHandler struct {
	notifications repositories.NotificationRepository
	users         repositories.UserRepository
	notifier      Notifier
	audit         *telemetry.AuditEmitter
	log           *zap.Logger
}

// NewNotificationHandler builds a NotificationHandler.
func NewNotificationHandler(notifications repositories.NotificationRepository, users repositories.UserRepository, notifier Notifier, audit *telemetry.AuditEmitter, log *zap.Logger) *NotificationHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationHandler{
		notifications: notifications,
		users:         users,
		notifier:      notifier,
		audit:         audit,
		log:           log,
	}
}

// ListNotifications returns the caller's notifications, newest first.
func (h *NotificationHandler) ListNotifications(c *gin.Context) {
	userID := c.GetInt64(middleware.UserIDKey)
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	unreadOnly := c.Query("unread") == "true"

	items, err := h.notifications.ListForRecipient(c.Request.Context(), userID, limit, unreadOnly)
	if err != nil {
		respondError(c, errs.Store("list notifications", err))
		return
	}

	senderIDs := lo.Uniq(lo.FilterMap(items, func(n models.Notification, _ int) (int64, bool) {
		if n.SenderID == nil {
			return 0, false
		}
		return *n.SenderID, true
	}))
	senders := make(map[int64]models.Identity, len(senderIDs))
	for _, id := range senderIDs {
		user, err := h.users.GetUser(c.Request.Context(), id)
		if err != nil {
			if !errors.Is(err, repositories.ErrUserNotFound) {
				h.log.Warn("load notification sender", zap.Int64("sender_id", id), zap.Error(err))
			}
			continue
		}
		senders[id] = user.Identity()
	}

	views := lo.Map(items, func(n models.Notification, _ int) models.NotificationView {
		var sender *models.Identity
		if n.SenderID != nil {
			if identity, ok := senders[*n.SenderID]; ok {
				sender = &identity
			}
		}
		return models.NewNotificationView(n, sender)
	})
	c.JSON(http.StatusOK, gin.H{"notifications": views})
}

// MarkRead marks one of the caller's notifications as read.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	userID := c.GetInt64(middleware.UserIDKey)
	err := h.notifications.MarkRead(c.Request.Context(), c.Param("notification_id"), userID)
	if errors.Is(err, repositories.ErrNotificationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	if err != nil {
		respondError(c, errs.Store("mark notification read", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// MarkAllRead marks every notification of the caller as read.
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	userID := c.GetInt64(middleware.UserIDKey)
	updated, err := h.notifications.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		respondError(c, errs.Store("mark all notifications read", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "updated": updated})
}

// UnreadCount returns the number of unread notifications of the caller.
func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	userID := c.GetInt64(middleware.UserIDKey)
	count, err := h.notifications.CountUnread(c.Request.Context(), userID)
	if err != nil {
		respondError(c, errs.Store("count unread notifications", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

// CreateNotification lets other services push a notification to a user.
func (h *NotificationHandler) CreateNotification(c *gin.Context) {
	var req struct {
		RecipientID int64                   `json:"recipient_id" binding:"required,gt=0"`
		SenderID    *int64                  `json:"sender_id" binding:"omitempty,gt=0"`
		Kind        models.NotificationKind `json:"notification_type" binding:"required"`
		Title       string                  `json:"title" binding:"required"`
		Message     string                  `json:"message"`
		Data        models.Payload          `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := h.notifier.Dispatch(c.Request.Context(), notify.Request{
		RecipientID: req.RecipientID,
		SenderID:    req.SenderID,
		Kind:        req.Kind,
		Title:       req.Title,
		Body:        req.Message,
		Payload:     req.Data,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.LevelInfo, "notification created: "+string(n.Kind), requestIDFromContext(c), &n.RecipientID)
	c.JSON(http.StatusCreated, models.NewNotificationView(n, nil))
}
