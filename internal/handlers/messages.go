package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-gateway/internal/middleware"
	"chat-gateway/internal/models"
	"chat-gateway/internal/pipeline"
)

// MessageService runs the message flows.
type MessageService interface {
	Send(ctx context.Context, req pipeline.SendRequest) (models.MessageView, error)
	Edit(ctx context.Context, req pipeline.EditRequest) (models.MessageUpdate, error)
	Delete(ctx context.Context, actor models.Identity, messageID string) error
	MarkRead(ctx context.Context, messageID string, userID int64) (bool, error)
}

// MessageHandler exposes the message pipeline over HTTP for clients that are
// not holding a websocket open.
type MessageHandler struct {
	messages MessageService
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(messages MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// PostMessage stores a chat message and broadcasts it.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	var req struct {
		Content string  `json:"content" binding:"required"`
		ReplyTo *string `json:"reply_to" binding:"omitempty,uuid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := h.messages.Send(c.Request.Context(), pipeline.SendRequest{
		Actor:     identity,
		ChatID:    chatID,
		Content:   req.Content,
		ReplyToID: req.ReplyTo,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// EditMessage replaces the content of the caller's own message.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	update, err := h.messages.Edit(c.Request.Context(), pipeline.EditRequest{
		Actor:     identity,
		MessageID: c.Param("message_id"),
		Content:   req.Content,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, update)
}

// DeleteMessage removes the caller's own message for everyone.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}
	if err := h.messages.Delete(c.Request.Context(), identity, c.Param("message_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkRead records a read receipt for the caller.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}
	created, err := h.messages.MarkRead(c.Request.Context(), c.Param("message_id"), identity.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "created": created})
}
