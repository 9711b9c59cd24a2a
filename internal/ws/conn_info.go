package ws

import (
	"time"

	"go.uber.org/zap"

	"chat-gateway/internal/registry"
)

// ConnInfo describes where a connection came from. UserID and ResourceID are
// filled in once the handshake resolves them.
type ConnInfo struct {
	ConnID      string
	UserID      int64
	Scope       registry.Scope
	ResourceID  int64
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) logFields() []zap.Field {
	fields := []zap.Field{
		zap.String("conn_id", i.ConnID),
		zap.String("scope", string(i.Scope)),
		zap.String("request_id", i.RequestID),
	}
	if i.ResourceID != 0 {
		fields = append(fields, zap.Int64("resource_id", i.ResourceID))
	}
	if i.DeviceID != "" {
		fields = append(fields, zap.String("device_id", i.DeviceID))
	}
	if i.IP != "" {
		fields = append(fields, zap.String("ip", i.IP))
	}
	return fields
}
