package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-gateway/internal/errs"
	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/presence"
	"chat-gateway/internal/registry"
	"chat-gateway/internal/telemetry"
)

// State is the lifecycle stage of a session. States only move forward.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	recentEvents = 256
	closeGrace   = time.Second
)

// Session is one websocket connection bound to a single identity.
type Session struct {
	h          *Handler
	conn       *websocket.Conn
	info       ConnInfo
	scope      registry.Scope
	resourceID int64
	identity   models.Identity
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state      atomic.Int32
	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	writing    bool

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	// mu guards groups and recent. Deliver holds it while enqueueing so a
	// frame for a group is never queued after that group was left.
	mu     sync.Mutex
	groups map[registry.Group]struct{}
	recent *eventRing

	// owned by the write loop
	seq uint64

	// owned by the read loop
	typing       *presence.Debouncer
	announcement *presence.Announcement
	active       bool
}

func newSession(ctx context.Context, h *Handler, conn *websocket.Conn, scope registry.Scope, resourceID int64, info ConnInfo) *Session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Session{
		h:          h,
		conn:       conn,
		info:       info,
		scope:      scope,
		resourceID: resourceID,
		log:        h.log.With(info.logFields()...),
		ctx:        ctx,
		cancel:     cancel,
		send:       make(chan []byte, h.opts.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		groups:     make(map[registry.Group]struct{}),
		recent:     newEventRing(recentEvents),
		typing:     presence.NewDebouncer(h.opts.TypingDebounce),
	}
}

// SubscriberID implements registry.Subscriber.
func (s *Session) SubscriberID() string { return s.info.ConnID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Identity returns the identity resolved at connect.
func (s *Session) Identity() models.Identity { return s.identity }

// advance moves the session forward to next. It fails once the session is closing.
func (s *Session) advance(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= StateClosing || State(cur) >= next {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Deliver implements registry.Subscriber. It never blocks; a full buffer
// closes the session as a slow consumer.
func (s *Session) Deliver(d registry.Delivery) bool {
	if s.State() >= StateClosing {
		return false
	}
	s.mu.Lock()
	if _, ok := s.groups[d.Group]; !ok {
		s.mu.Unlock()
		return false
	}
	if d.EventID != "" && s.recent.seen(d.EventID) {
		s.mu.Unlock()
		return true
	}
	select {
	case s.send <- d.Payload:
		s.mu.Unlock()
		return true
	default:
	}
	s.mu.Unlock()
	s.closeWith(CloseSlowConsumer, "slow consumer")
	return false
}

// enqueue queues a frame addressed to this connection only.
func (s *Session) enqueue(payload []byte) bool {
	if s.State() >= StateClosing {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.closeWith(CloseSlowConsumer, "slow consumer")
		return false
	}
}

func (s *Session) enqueueFrame(frame any) {
	payload, err := models.Encode(frame)
	if err != nil {
		s.log.Error("encode frame", zap.Error(err))
		return
	}
	s.enqueue(payload)
}

// reportError sends an error frame to this connection only.
func (s *Session) reportError(err error) {
	switch {
	case errs.IsStore(err), errors.Is(err, errs.ErrTimeout):
		s.log.Error("frame failed", zap.Int64("user_id", s.identity.UserID), zap.Error(err))
	default:
		s.log.Debug("frame rejected", zap.Int64("user_id", s.identity.UserID), zap.Error(err))
	}
	s.enqueueFrame(models.ErrorEvent{Type: models.EventError, Message: errs.ClientMessage(err)})
}

// joinGroup adds the session to group in both its own set and the registry.
func (s *Session) joinGroup(ctx context.Context, group registry.Group) error {
	s.mu.Lock()
	if _, ok := s.groups[group]; ok {
		s.mu.Unlock()
		return nil
	}
	s.groups[group] = struct{}{}
	s.mu.Unlock()

	if err := s.h.registry.Join(ctx, group, s); err != nil {
		s.mu.Lock()
		delete(s.groups, group)
		s.mu.Unlock()
		return err
	}
	if s.State() >= StateClosing {
		// the close path may already have swept the group set
		s.leaveGroup(group)
	}
	return nil
}

// leaveGroup reports whether the session was a member of group.
func (s *Session) leaveGroup(group registry.Group) bool {
	s.mu.Lock()
	_, ok := s.groups[group]
	delete(s.groups, group)
	s.mu.Unlock()

	if err := s.h.registry.Leave(context.Background(), group, s); err != nil {
		s.log.Warn("leave group failed", zap.String("group", string(group)), zap.Error(err))
	}
	return ok
}

func (s *Session) leaveAll() {
	s.mu.Lock()
	groups := make([]registry.Group, 0, len(s.groups))
	for g := range s.groups {
		groups = append(groups, g)
	}
	s.groups = make(map[registry.Group]struct{})
	s.mu.Unlock()

	for _, g := range groups {
		if err := s.h.registry.Leave(context.Background(), g, s); err != nil {
			s.log.Warn("leave group failed", zap.String("group", string(g)), zap.Error(err))
		}
	}
}

// Groups returns the groups the session currently belongs to.
func (s *Session) Groups() []registry.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.Group, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	return out
}

// closeWith moves the session to Closing. Only the first call decides the close code.
func (s *Session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		s.state.Store(int32(StateClosing))
		close(s.done)
	})
}

// handshake authenticates, authorizes and joins the connection's own group.
func (s *Session) handshake(token string) bool {
	ctx := s.ctx
	identity, err := errs.WithDeadline(ctx, s.h.opts.AuthTimeout, func(ctx context.Context) (models.Identity, error) {
		return s.h.validator.Validate(ctx, token)
	})
	if err != nil {
		s.log.Info("authentication failed", zap.Error(err))
		s.h.audit.Emit(ctx, telemetry.LevelSecurity, "websocket authentication failed: "+string(s.scope), s.info.RequestID, nil)
		s.closeWith(closeCodeFor(err), "authentication failed")
		return false
	}
	s.identity = identity
	s.info.UserID = identity.UserID
	if s.scope != registry.ScopeChat {
		s.resourceID = identity.UserID
	}
	s.info.ResourceID = s.resourceID
	s.log = s.log.With(zap.Int64("user_id", identity.UserID))
	if !s.advance(StateAuthenticated) {
		return false
	}

	if err := s.h.gate.AuthorizeScope(ctx, s.scope, s.resourceID, identity); err != nil {
		code := closeCodeFor(err)
		s.log.Info("connection rejected", zap.Int64("resource_id", s.resourceID), zap.Int("code", code), zap.Error(err))
		if code == CloseForbidden {
			s.h.audit.Emit(ctx, telemetry.LevelWarning, fmt.Sprintf("websocket join denied: %s:%d", s.scope, s.resourceID), s.info.RequestID, &identity.UserID)
		}
		s.closeWith(code, errs.ClientMessage(err))
		return false
	}

	accept := models.ConnectionEstablishedEvent{
		Type:   models.EventConnectionEstablished,
		Scope:  string(s.scope),
		UserID: identity.UserID,
		ConnID: s.info.ConnID,
	}
	if s.scope == registry.ScopeChat {
		accept.ChatID = s.resourceID
	}
	s.enqueueFrame(accept)

	if err := s.joinGroup(ctx, registry.GroupFor(s.scope, s.resourceID)); err != nil {
		s.log.Error("join group failed", zap.Error(err))
		s.closeWith(CloseInternalError, "internal error")
		return false
	}
	return s.advance(StateJoined)
}

// run drives an accepted session until it closes.
func (s *Session) run() {
	s.writing = true
	go s.writePump()

	if s.advance(StateActive) {
		s.active = true
		observability.IncWSActive(string(s.scope))
		observability.PublishWSEvent(s.ctx, s.wsEvent("ws_connect", ""), s.info.RequestID, s.info.TraceID)
		if s.scope == registry.ScopeChat {
			s.announcement = s.h.presence.Announce(s.ctx, s.resourceID, s.identity)
		}
		s.readPump()
	}
}

// finish completes the close path: it runs exactly once per session, after the
// read loop has returned or the handshake has failed.
func (s *Session) finish() {
	s.closeWith(CloseNormal, "")
	if s.writing {
		<-s.writerDone
	} else {
		s.writeClose()
	}
	s.leaveAll()
	s.announcement.Withdraw(context.Background())
	_ = s.conn.Close()
	s.state.Store(int32(StateClosed))
	s.cancel()

	observability.IncWSClose(s.closeCode)
	if s.active {
		observability.DecWSActive(string(s.scope))
		observability.PublishWSEvent(context.Background(), s.wsEvent("ws_disconnect", s.closeReason), s.info.RequestID, s.info.TraceID)
	}
	s.log.Info("connection closed", zap.Int("code", s.closeCode), zap.String("reason", s.closeReason))
}

func (s *Session) wsEvent(event, reason string) observability.WSEvent {
	return observability.WSEvent{
		Scope:      string(s.scope),
		ResourceID: s.resourceID,
		Event:      event,
		ConnID:     s.info.ConnID,
		UserID:     s.identity.UserID,
		DeviceID:   s.info.DeviceID,
		IP:         s.info.IP,
		Since:      s.info.ConnectedAt,
		Reason:     reason,
		CloseCode:  s.closeCode,
	}
}

func (s *Session) writeClose() {
	msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.h.opts.WriteTimeout)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("write close frame", zap.Error(err))
	}
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(s.h.opts.MaxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.h.opts.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.h.opts.PongTimeout))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if s.State() != StateActive {
			return
		}
		s.handleFrame(raw)
	}
}

func (s *Session) handleReadError(err error) {
	switch {
	case s.State() >= StateClosing:
	case errors.Is(err, websocket.ErrReadLimit):
		s.closeWith(CloseTooLarge, "frame too large")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.closeWith(CloseNormal, "client closed")
	default:
		observability.PublishWSEvent(s.ctx, s.wsEvent("ws_error", err.Error()), s.info.RequestID, s.info.TraceID)
		s.closeWith(CloseNormal, "connection lost")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		close(s.writerDone)
	}()

	for {
		select {
		case <-s.done:
			s.writeClose()
			_ = s.conn.SetReadDeadline(time.Now().Add(closeGrace))
			return
		default:
		}

		select {
		case <-s.done:
			continue
		case payload := <-s.send:
			s.seq++
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, stampSeq(payload, s.seq)); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				s.closeWith(CloseNormal, "write failed")
				_ = s.conn.SetReadDeadline(time.Now())
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.h.opts.WriteTimeout)); err != nil {
				s.log.Debug("ping failed", zap.Error(err))
				s.closeWith(CloseNormal, "ping failed")
				_ = s.conn.SetReadDeadline(time.Now())
				return
			}
		}
	}
}
