package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"chat-gateway/internal/observability"
	"chat-gateway/internal/rabbitmq"
)

// Relay headers.
const (
	HeaderOrigin  = "x-origin-node"
	HeaderExclude = "x-exclude"
	HeaderEventID = "x-event-id"
)

const bindStripes = 64

// AMQPRelay spans several gateway nodes. Broadcasts are served locally and
// published on a topic exchange keyed by group; each node binds its private
// queue to the groups it has local members in.
type AMQPRelay struct {
	local    *Local
	nodeID   string
	exchange string
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	stripes  [bindStripes]sync.Mutex
	log      *zap.Logger
	done     chan struct{}
}

// NewAMQPRelay connects to the broker, declares the exchange and a private
// queue, and starts relaying remote broadcasts into local.
func NewAMQPRelay(amqpURL, exchange, nodeID string, local *Local, log *zap.Logger) (*AMQPRelay, error) {
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
	if err := rabbitmq.DeclareTopic(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	r := &AMQPRelay{
		local:    local,
		nodeID:   nodeID,
		exchange: exchange,
		conn:     conn,
		ch:       ch,
		queue:    q.Name,
		log:      log.With(zap.String("node_id", nodeID)),
		done:     make(chan struct{}),
	}
	go r.consume(deliveries)
	r.log.Info("registry relay ready", zap.String("exchange", exchange), zap.String("queue", q.Name))
	return r, nil
}

func (r *AMQPRelay) stripe(group Group) *sync.Mutex {
	return &r.stripes[xxhash.Sum64String(string(group))%bindStripes]
}

// Join registers sub locally and binds the node queue on the group's first member.
func (r *AMQPRelay) Join(_ context.Context, group Group, sub Subscriber) error {
	if err := validate(group, sub); err != nil {
		return err
	}
	mu := r.stripe(group)
	mu.Lock()
	defer mu.Unlock()

	if !r.local.join(group, sub) {
		return nil
	}
	if err := r.ch.QueueBind(r.queue, string(group), r.exchange, false, nil); err != nil {
		r.local.leave(group, sub)
		return fmt.Errorf("bind %s: %w", group, err)
	}
	return nil
}

// Leave removes sub locally and unbinds once the group drains on this node.
func (r *AMQPRelay) Leave(_ context.Context, group Group, sub Subscriber) error {
	if err := validate(group, sub); err != nil {
		return err
	}
	mu := r.stripe(group)
	mu.Lock()
	defer mu.Unlock()

	if !r.local.leave(group, sub) {
		return nil
	}
	if err := r.ch.QueueUnbind(r.queue, string(group), r.exchange, nil); err != nil {
		r.log.Warn("unbind failed", zap.String("group", string(group)), zap.Error(err))
	}
	return nil
}

// Broadcast serves local members then publishes for the other nodes.
func (r *AMQPRelay) Broadcast(ctx context.Context, group Group, payload []byte, opts ...BroadcastOption) (int, error) {
	o := applyOptions(opts)
	delivered := r.local.deliver(group, payload, o)

	err := r.ch.PublishWithContext(ctx, r.exchange, string(group), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Headers:     relayHeaders(r.nodeID, o),
		Body:        payload,
	})
	if err != nil {
		observability.IncAMQPPublishError()
		return delivered, fmt.Errorf("relay %s: %w", group, err)
	}
	return delivered, nil
}

// Stats reports the local view.
func (r *AMQPRelay) Stats() Stats {
	return r.local.Stats()
}

// Close stops relaying and releases the broker connection.
func (r *AMQPRelay) Close() error {
	_ = r.ch.Close()
	err := r.conn.Close()
	<-r.done
	return err
}

func (r *AMQPRelay) consume(deliveries <-chan amqp.Delivery) {
	defer close(r.done)
	for d := range deliveries {
		group, o, ok := decodeRelay(d, r.nodeID)
		if !ok {
			continue
		}
		r.local.deliver(group, d.Body, o)
	}
}

func relayHeaders(nodeID string, o broadcastOptions) amqp.Table {
	table := amqp.Table{HeaderOrigin: nodeID}
	if o.exclude != "" {
		table[HeaderExclude] = o.exclude
	}
	if o.eventID != "" {
		table[HeaderEventID] = o.eventID
	}
	return table
}

// decodeRelay turns a relayed delivery back into a local broadcast. Deliveries
// that originated on this node are skipped.
func decodeRelay(d amqp.Delivery, nodeID string) (Group, broadcastOptions, bool) {
	if origin, _ := d.Headers[HeaderOrigin].(string); origin == nodeID {
		return "", broadcastOptions{}, false
	}
	if _, _, err := ParseGroup(d.RoutingKey); err != nil {
		return "", broadcastOptions{}, false
	}
	var o broadcastOptions
	o.exclude, _ = d.Headers[HeaderExclude].(string)
	o.eventID, _ = d.Headers[HeaderEventID].(string)
	return Group(d.RoutingKey), o, true
}
