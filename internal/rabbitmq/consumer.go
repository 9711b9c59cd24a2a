package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one delivery. Returning an error rejects the delivery; it
// is requeued only when the consumer's retry policy accepts the error.
type Handler func(ctx context.Context, routingKey string, body []byte) error

// Consumer reads a durable queue bound to a topic exchange.
type Consumer struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	queue     string
	retryable func(error) bool
	log       *zap.Logger
}

// NewConsumer declares queue, binds it to exchange for every binding key and returns a Consumer.
func NewConsumer(amqpURL, exchange, queue string, bindings []string, log *zap.Logger) (*Consumer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := DeclareTopic(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range bindings {
		if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if err := ch.Qos(32, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	log.Info("rabbitmq consumer ready", zap.String("exchange", exchange), zap.String("queue", queue), zap.Strings("bindings", bindings))
	return &Consumer{conn: conn, ch: ch, queue: queue, log: log}, nil
}

// Run consumes until ctx is done or the channel closes.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.settle(d, handle(ctx, d.RoutingKey, d.Body))
		}
	}
}

// WithRetry sets the policy deciding which handler errors requeue a delivery.
func (c *Consumer) WithRetry(retryable func(error) bool) *Consumer {
	c.retryable = retryable
	return c
}

func (c *Consumer) settle(d amqp.Delivery, err error) {
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.log.Warn("ack failed", zap.String("routing_key", d.RoutingKey), zap.Error(ackErr))
		}
		return
	}
	requeue := c.retryable != nil && c.retryable(err)
	if requeue {
		c.log.Warn("event requeued", zap.String("routing_key", d.RoutingKey), zap.Bool("redelivered", d.Redelivered), zap.Error(err))
	} else {
		c.log.Error("event rejected", zap.String("routing_key", d.RoutingKey), zap.Error(err))
	}
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		c.log.Warn("nack failed", zap.String("routing_key", d.RoutingKey), zap.Error(nackErr))
	}
}

// Close releases the channel and connection.
func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
