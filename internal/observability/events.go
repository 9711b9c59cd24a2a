package observability

import (
	"context"
	"time"
)

type EventEnvelope struct {
	EventType string `json:"event_type"`
	EventName string `json:"event_name"`
	Payload   any    `json:"payload"`
}

// WSEvent describes one connection lifecycle transition.
type WSEvent struct {
	Scope      string
	ResourceID int64
	Event      string
	ConnID     string
	UserID     int64
	DeviceID   string
	IP         string
	Since      time.Time
	Reason     string
	CloseCode  int
}

type wsPayload struct {
	WS       wsSection       `json:"ws"`
	Identity identitySection `json:"identity"`
}

type wsSection struct {
	Kind       string `json:"kind"`
	ResourceID int64  `json:"resource_id"`
	Event      string `json:"event"`
	ConnID     string `json:"conn_id"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason"`
	CloseCode  int    `json:"close_code,omitempty"`
}

type identitySection struct {
	UserID   int64  `json:"user_id"`
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
}

// PublishWSEvent counts ev and publishes it to ws_events.<scope>.
func PublishWSEvent(ctx context.Context, ev WSEvent, requestID, traceID string) {
	IncWSEvent(ev.Scope, ev.Event)
	var duration int64
	if !ev.Since.IsZero() {
		duration = time.Since(ev.Since).Milliseconds()
	}
	_ = PublishEvent(ctx, "ws_events."+ev.Scope, EventEnvelope{
		EventType: "ws_events",
		EventName: ev.Event,
		Payload: wsPayload{
			WS: wsSection{
				Kind:       ev.Scope,
				ResourceID: ev.ResourceID,
				Event:      ev.Event,
				ConnID:     ev.ConnID,
				DurationMS: duration,
				Reason:     ev.Reason,
				CloseCode:  ev.CloseCode,
			},
			Identity: identitySection{UserID: ev.UserID, DeviceID: ev.DeviceID, IP: ev.IP},
		},
	}, BuildHeaders(requestID, traceID))
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
