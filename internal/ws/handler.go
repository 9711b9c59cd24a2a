// Package ws serves the chat, mailbox and inbox websocket endpoints.
package ws

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/pipeline"
	"chat-gateway/internal/presence"
	"chat-gateway/internal/registry"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/telemetry"
)

// Validator resolves a bearer token to an identity.
type Validator interface {
	Validate(ctx context.Context, token string) (models.Identity, error)
}

// Gate authorizes connections and chat actions.
type Gate interface {
	AuthorizeChat(ctx context.Context, chatID, userID int64) error
	AuthorizeScope(ctx context.Context, scope registry.Scope, resourceID int64, identity models.Identity) error
}

// MessagePipeline runs the message flows a connection can trigger.
type MessagePipeline interface {
	Send(ctx context.Context, req pipeline.SendRequest) (models.MessageView, error)
	MarkRead(ctx context.Context, messageID string, userID int64) (bool, error)
}

// Options tunes session behaviour. Zero values fall back to defaults.
type Options struct {
	AuthTimeout       time.Duration
	WriteTimeout      time.Duration
	PongTimeout       time.Duration
	PingInterval      time.Duration
	TypingDebounce    time.Duration
	SendBuffer        int
	MaxFrameSize      int64
	RecheckMembership bool
}

func (o Options) withDefaults() Options {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 64 << 10
	}
	return o
}

// Handler accepts websocket connections and owns their sessions.
type Handler struct {
	registry      registry.Registry
	validator     Validator
	gate          Gate
	pipeline      MessagePipeline
	presence      *presence.Tracker
	notifications repositories.NotificationRepository
	audit         *telemetry.AuditEmitter
	opts          Options
	log           *zap.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewHandler constructs a Handler.
func NewHandler(reg registry.Registry, validator Validator, gate Gate, p MessagePipeline, tracker *presence.Tracker, notifications repositories.NotificationRepository, opts Options, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		registry:      reg,
		validator:     validator,
		gate:          gate,
		pipeline:      p,
		presence:      tracker,
		notifications: notifications,
		opts:          opts.withDefaults(),
		log:           log.Named("ws"),
		sessions:      make(map[*Session]struct{}),
	}
}

// WithAudit reports rejected handshakes to the audit stream.
func (h *Handler) WithAudit(audit *telemetry.AuditEmitter) *Handler {
	h.audit = audit
	return h
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleChat serves /ws/chats/:chat_id.
func (h *Handler) HandleChat(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}
	h.serve(c, registry.ScopeChat, chatID)
}

// HandleMailbox serves /ws/chats.
func (h *Handler) HandleMailbox(c *gin.Context) {
	h.serve(c, registry.ScopeMailbox, 0)
}

// HandleInbox serves /ws/notifications.
func (h *Handler) HandleInbox(c *gin.Context) {
	h.serve(c, registry.ScopeInbox, 0)
}

func (h *Handler) serve(c *gin.Context, scope registry.Scope, resourceID int64) {
	ctx, span := otel.Tracer("chat-gateway/ws").Start(c.Request.Context(), "ws.handshake")
	span.SetAttributes(attribute.String("ws.scope", string(scope)), attribute.Int64("ws.resource_id", resourceID))
	token := auth.TokenFromRequest(c.Request)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		Scope:       scope,
		ResourceID:  resourceID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now().UTC(),
	}
	s := newSession(ctx, h, conn, scope, resourceID, info)
	if !h.track(s) {
		span.End()
		s.closeWith(CloseGoingAway, "server shutting down")
		s.finish()
		return
	}
	defer h.untrack(s)

	accepted := s.handshake(token)
	span.SetAttributes(attribute.Bool("ws.accepted", accepted))
	span.End()
	if accepted {
		s.log.Info("connection accepted")
		s.run()
	}
	s.finish()
}

func (h *Handler) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.wg.Done()
}

// ActiveSessions returns the number of open sessions.
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes every session with a going-away code and waits for them to
// finish or for ctx to expire. New connections are refused afterwards.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.closeWith(CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
