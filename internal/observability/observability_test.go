package observability

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu      sync.Mutex
	keys    []string
	events  []any
	headers []map[string]string
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, event any, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	p.events = append(p.events, event)
	p.headers = append(p.headers, headers)
	return p.err
}

func TestPublishWSEvent(t *testing.T) {
	pub := &recordingPublisher{}
	SetPublisher(pub)
	t.Cleanup(func() { SetPublisher(nil) })

	PublishWSEvent(context.Background(), WSEvent{Scope: "chat", ResourceID: 3, Event: "ws_connect", ConnID: "c1", UserID: 7}, "req-1", "trace-1")

	require.Len(t, pub.keys, 1)
	assert.Equal(t, "ws_events.chat", pub.keys[0])
	envelope, ok := pub.events[0].(EventEnvelope)
	require.True(t, ok)
	assert.Equal(t, "ws_connect", envelope.EventName)
	assert.Equal(t, map[string]string{"x-request-id": "req-1", "trace_id": "trace-1"}, pub.headers[0])
}

func TestPublishEventWithoutPublisher(t *testing.T) {
	SetPublisher(nil)
	assert.NoError(t, PublishEvent(context.Background(), "k", "v", nil))
}

func TestPublishEventReportsErrors(t *testing.T) {
	SetPublisher(&recordingPublisher{err: assert.AnError})
	t.Cleanup(func() { SetPublisher(nil) })
	assert.ErrorIs(t, PublishEvent(context.Background(), "k", "v", nil), assert.AnError)
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	assert.Equal(t, "10.0.0.1", IPFromRequest(req))

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "unknown")
	req.Header.Set("X-Real-Ip", "10.0.0.9")
	assert.Equal(t, "10.0.0.9", IPFromRequest(req))

	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", IPFromRequest(req))
}

func TestRequestAndDeviceIDs(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/chats?device_id=phone", nil)
	assert.Equal(t, "phone", DeviceIDFromRequest(req))
	assert.NotEmpty(t, RequestIDFromRequest(req))

	req.Header.Set("X-Device-Id", "laptop")
	req.Header.Set("X-Request-Id", "req-1")
	assert.Equal(t, "laptop", DeviceIDFromRequest(req))
	assert.Equal(t, "req-1", RequestIDFromRequest(req))
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/grpc.health.v1.Health/Check")
	assert.Equal(t, "grpc.health.v1.Health", service)
	assert.Equal(t, "Check", method)

	service, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}

func TestInitTracerWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "chat-gateway", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Empty(t, TraceIDFromContext(context.Background()))
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger("loud", "production", "chat-gateway")
	assert.Error(t, err)
	log, err := NewLogger("info", "production", "chat-gateway")
	require.NoError(t, err)
	assert.NotNil(t, log)
}
