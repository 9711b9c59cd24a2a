package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"chat-gateway/internal/observability"
)

const DefaultShards = 32

// Local is the in-process registry. Groups are spread over shards so traffic on
// one group never waits on another shard's lock.
type Local struct {
	shards        []*shard
	groups        atomic.Int64
	subscriptions atomic.Int64
	log           *zap.Logger
}

type shard struct {
	mu     sync.RWMutex
	groups map[Group]map[string]Subscriber
}

// NewLocal creates an empty registry with n shards.
func NewLocal(n int, log *zap.Logger) *Local {
	if n <= 0 {
		n = DefaultShards
	}
	if log == nil {
		log = zap.NewNop()
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{groups: make(map[Group]map[string]Subscriber)}
	}
	return &Local{shards: shards, log: log}
}

func (r *Local) shardFor(group Group) *shard {
	return r.shards[xxhash.Sum64String(string(group))%uint64(len(r.shards))]
}

// Join registers sub in group.
func (r *Local) Join(_ context.Context, group Group, sub Subscriber) error {
	if err := validate(group, sub); err != nil {
		return err
	}
	r.join(group, sub)
	return nil
}

// join reports whether sub is the first member of group.
func (r *Local) join(group Group, sub Subscriber) bool {
	s := r.shardFor(group)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.groups[group]
	if !ok {
		members = make(map[string]Subscriber)
		s.groups[group] = members
		r.groups.Add(1)
	}
	if _, exists := members[sub.SubscriberID()]; exists {
		return false
	}
	members[sub.SubscriberID()] = sub
	r.subscriptions.Add(1)
	r.publishStats()
	return len(members) == 1
}

// Leave removes sub from group; the group is dropped once empty.
func (r *Local) Leave(_ context.Context, group Group, sub Subscriber) error {
	if err := validate(group, sub); err != nil {
		return err
	}
	r.leave(group, sub)
	return nil
}

// leave reports whether group became empty.
func (r *Local) leave(group Group, sub Subscriber) bool {
	s := r.shardFor(group)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.groups[group]
	if !ok {
		return false
	}
	if _, exists := members[sub.SubscriberID()]; !exists {
		return false
	}
	delete(members, sub.SubscriberID())
	r.subscriptions.Add(-1)
	drained := len(members) == 0
	if drained {
		delete(s.groups, group)
		r.groups.Add(-1)
	}
	r.publishStats()
	return drained
}

// Broadcast hands payload to every member of group. Members are snapshotted
// under the read lock and served outside it.
func (r *Local) Broadcast(_ context.Context, group Group, payload []byte, opts ...BroadcastOption) (int, error) {
	o := applyOptions(opts)
	return r.deliver(group, payload, o), nil
}

func (r *Local) deliver(group Group, payload []byte, o broadcastOptions) int {
	s := r.shardFor(group)
	s.mu.RLock()
	members := make([]Subscriber, 0, len(s.groups[group]))
	for id, sub := range s.groups[group] {
		if id == o.exclude {
			continue
		}
		members = append(members, sub)
	}
	s.mu.RUnlock()

	d := Delivery{Group: group, Payload: payload, EventID: o.eventID}
	delivered := 0
	for _, sub := range members {
		if sub.Deliver(d) {
			delivered++
			observability.IncDelivery("delivered")
			continue
		}
		observability.IncDelivery("dropped")
		r.log.Debug("delivery dropped", zap.String("group", string(group)), zap.String("subscriber", sub.SubscriberID()))
	}
	return delivered
}

// Members returns the number of subscribers in group.
func (r *Local) Members(group Group) int {
	s := r.shardFor(group)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[group])
}

// Contains reports whether sub is a member of group.
func (r *Local) Contains(group Group, subscriberID string) bool {
	s := r.shardFor(group)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[group][subscriberID]
	return ok
}

// Stats reports group and subscription counts.
func (r *Local) Stats() Stats {
	return Stats{Groups: int(r.groups.Load()), Subscriptions: int(r.subscriptions.Load())}
}

func (r *Local) publishStats() {
	observability.SetRegistryStats(int(r.groups.Load()), int(r.subscriptions.Load()))
}
