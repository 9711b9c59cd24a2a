package ws

import (
	"errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-gateway/internal/errs"
)

// Close codes sent to clients.
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseGoingAway     = websocket.CloseGoingAway
	CloseTooLarge      = websocket.CloseMessageTooBig
	CloseSlowConsumer  = websocket.CloseTryAgainLater
	CloseInternalError = 4000
	CloseAuthFailed    = 4001
	CloseForbidden     = 4003
)

func newConnID() string {
	return uuid.NewString()
}

// closeCodeFor maps a handshake failure to its close code.
func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrAuthenticationFailed):
		return CloseAuthFailed
	case errors.Is(err, errs.ErrAuthorizationDenied), errs.IsValidation(err):
		return CloseForbidden
	default:
		return CloseInternalError
	}
}

// eventRing remembers the last N event ids seen by a connection.
type eventRing struct {
	ids   []string
	index map[string]struct{}
	pos   int
}

func newEventRing(size int) *eventRing {
	return &eventRing{ids: make([]string, size), index: make(map[string]struct{}, size)}
}

// seen records id and reports whether it was already present.
func (r *eventRing) seen(id string) bool {
	if _, ok := r.index[id]; ok {
		return true
	}
	if old := r.ids[r.pos]; old != "" {
		delete(r.index, old)
	}
	r.ids[r.pos] = id
	r.index[id] = struct{}{}
	r.pos = (r.pos + 1) % len(r.ids)
	return false
}
