package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewPublisherFallsBackToNoop(t *testing.T) {
	p := NewPublisher("", "chat.events", zap.NewNop())
	assert.Equal(t, "noop", PublisherMode(p))
	assert.Equal(t, "empty amqp url", PublisherNoopReason(p))
	require.NoError(t, p.Publish(context.Background(), "ws.connect", map[string]string{"k": "v"}, nil))
	require.NoError(t, p.Close())
}

func TestNewConsumerRequiresURL(t *testing.T) {
	_, err := NewConsumer("", "chat.events", "q", nil, nil)
	assert.Error(t, err)
}

type ackRecorder struct {
	acked   int
	nacked  int
	requeue []bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.acked++
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestSettleRequeuesOnlyRetryableErrors(t *testing.T) {
	errTransient := errors.New("store unavailable")
	c := (&Consumer{log: zap.NewNop()}).WithRetry(func(err error) bool {
		return errors.Is(err, errTransient)
	})
	ack := &ackRecorder{}
	d := amqp.Delivery{Acknowledger: ack, RoutingKey: "friend.request_sent"}

	c.settle(d, nil)
	c.settle(d, errTransient)
	c.settle(d, errors.New("bad payload"))

	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 2, ack.nacked)
	assert.Equal(t, []bool{true, false}, ack.requeue)
}

func TestSettleWithoutRetryPolicyDrops(t *testing.T) {
	c := &Consumer{log: zap.NewNop()}
	ack := &ackRecorder{}
	c.settle(amqp.Delivery{Acknowledger: ack}, errors.New("store unavailable"))
	assert.Equal(t, []bool{false}, ack.requeue)
}
