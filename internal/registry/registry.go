// Package registry tracks which connections belong to which broadcast group.
package registry

import (
	"context"
	"errors"
)

var (
	ErrInvalidGroup      = errors.New("invalid group")
	ErrInvalidSubscriber = errors.New("invalid subscriber")
)

// Delivery is one broadcast frame handed to a subscriber.
type Delivery struct {
	Group   Group
	Payload []byte
	// EventID identifies the logical event so a subscriber in several groups
	// can drop repeats. Empty means no deduplication.
	EventID string
}

// Subscriber receives broadcasts. Deliver must not block; it returns false when
// the frame could not be accepted.
type Subscriber interface {
	SubscriberID() string
	Deliver(d Delivery) bool
}

// Registry maps groups to subscribers.
type Registry interface {
	// Join is idempotent.
	Join(ctx context.Context, group Group, sub Subscriber) error
	Leave(ctx context.Context, group Group, sub Subscriber) error
	// Broadcast returns the number of local subscribers that accepted the frame.
	Broadcast(ctx context.Context, group Group, payload []byte, opts ...BroadcastOption) (int, error)
	Stats() Stats
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Groups        int `json:"groups"`
	Subscriptions int `json:"subscriptions"`
}

type broadcastOptions struct {
	exclude string
	eventID string
}

// BroadcastOption tunes a single broadcast.
type BroadcastOption func(*broadcastOptions)

// Excluding skips the subscriber with the given id.
func Excluding(subscriberID string) BroadcastOption {
	return func(o *broadcastOptions) { o.exclude = subscriberID }
}

// WithEventID tags the delivery with a logical event id.
func WithEventID(eventID string) BroadcastOption {
	return func(o *broadcastOptions) { o.eventID = eventID }
}

func applyOptions(opts []BroadcastOption) broadcastOptions {
	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validate(group Group, sub Subscriber) error {
	if _, _, err := ParseGroup(string(group)); err != nil {
		return errors.Join(ErrInvalidGroup, err)
	}
	if sub == nil || sub.SubscriberID() == "" {
		return ErrInvalidSubscriber
	}
	return nil
}

var (
	_ Registry = (*Local)(nil)
	_ Registry = (*AMQPRelay)(nil)
)
