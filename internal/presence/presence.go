// Package presence tracks which clients, gateways and relays are
// online. Each instance owns the leases of its local sessions and
// mirrors the leases of other instances through the bus, so the view
// converges without any instance being authoritative.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
)

const (
	// syncInterval paces the full-lease broadcasts that double as
	// instance liveness signals.
	syncInterval = 15 * time.Second
	// livenessTimeout is how long a silent instance keeps its leases.
	livenessTimeout = 45 * time.Second

	watcherBuffer = 256
)

// Meta is the value attached to a lease.
type Meta struct {
	OnlineAt  time.Time       `json:"online_at"`
	SessionID uuid.UUID       `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventType distinguishes joins from leaves.
type EventType string

const (
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
)

// Event is one presence transition observed by a watcher.
type Event struct {
	Type  EventType
	Topic string
	Key   string
	Meta  Meta
}

// Watcher is one subscriber's stream of presence transitions.
type Watcher struct {
	registry *Registry
	topics   []string
	ch       chan Event
	once     sync.Once
}

// Events returns the watcher's stream.
func (w *Watcher) Events() <-chan Event {
	return w.ch
}

// Close detaches the watcher.
func (w *Watcher) Close() {
	w.once.Do(func() {
		w.registry.unwatch(w)
		close(w.ch)
	})
}

// bus is the slice of the pubsub surface the registry needs.
// *pubsub.Bus and *pubsub.PostgresBus satisfy this interface.
type bus interface {
	Publish(ctx context.Context, event pubsub.Event)
	Subscribe(topics ...string) *pubsub.Subscription
}

// Registry is the presence table of one instance.
type Registry struct {
	mu       sync.RWMutex
	leases   map[string]map[string]map[uuid.UUID]Meta // topic → key → origin → meta
	watchers map[string]map[*Watcher]struct{}
	remotes  map[uuid.UUID]time.Time // origin → last heard from

	bus    bus
	sub    *pubsub.Subscription
	origin uuid.UUID
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewRegistry creates a Registry. The bus subscription opens here so
// nothing is missed before Run starts draining it.
func NewRegistry(b bus, clock clockwork.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		leases:   make(map[string]map[string]map[uuid.UUID]Meta),
		watchers: make(map[string]map[*Watcher]struct{}),
		remotes:  make(map[uuid.UUID]time.Time),
		bus:      b,
		sub:      b.Subscribe(pubsub.PresenceTopic),
		origin:   uuid.New(),
		clock:    clock,
		logger:   logger,
	}
}

// Join registers a lease for a local session and announces it.
func (r *Registry) Join(ctx context.Context, topic, key string, meta Meta) {
	if meta.OnlineAt.IsZero() {
		meta.OnlineAt = r.clock.Now().UTC()
	}
	r.apply(EventJoin, topic, key, r.origin, meta)
	r.bus.Publish(ctx, pubsub.NewEvent(pubsub.PresenceTopic, pubsub.KindPresenceJoin, joinPayload{
		Origin: r.origin,
		Topic:  topic,
		Key:    key,
		Meta:   meta,
	}))
}

// Leave drops a local lease and announces it. Unknown leases are a
// no-op.
func (r *Registry) Leave(ctx context.Context, topic, key string) {
	r.apply(EventLeave, topic, key, r.origin, Meta{})
	r.bus.Publish(ctx, pubsub.NewEvent(pubsub.PresenceTopic, pubsub.KindPresenceLeave, leavePayload{
		Origin: r.origin,
		Topic:  topic,
		Key:    key,
	}))
}

// List returns the metas of every online key of a topic, local and
// mirrored alike. A key connected through several instances carries
// several metas.
func (r *Registry) List(topic string) map[string][]Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]Meta, len(r.leases[topic]))
	for key, byOrigin := range r.leases[topic] {
		metas := make([]Meta, 0, len(byOrigin))
		for _, meta := range byOrigin {
			metas = append(metas, meta)
		}
		out[key] = metas
	}
	return out
}

// Online reports whether a key holds any lease on the topic.
func (r *Registry) Online(topic, key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.leases[topic][key]) > 0
}

// Count returns the number of online keys of a topic.
func (r *Registry) Count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.leases[topic])
}

// Watch opens a stream of join/leave transitions for the topics. A
// join applied after the watcher opens is guaranteed to reach it.
func (r *Registry) Watch(topics ...string) *Watcher {
	w := &Watcher{
		registry: r,
		topics:   topics,
		ch:       make(chan Event, watcherBuffer),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range topics {
		set, ok := r.watchers[topic]
		if !ok {
			set = make(map[*Watcher]struct{})
			r.watchers[topic] = set
		}
		set[w] = struct{}{}
	}
	return w
}

// Run mirrors remote leases and publishes liveness syncs until the
// context ends.
func (r *Registry) Run(ctx context.Context) error {
	defer r.sub.Close()

	ticker := r.clock.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-r.sub.Events():
			if !ok {
				return nil
			}
			r.applyRemote(event)
		case <-ticker.Chan():
			r.publishSync(ctx)
			r.expireSilentOrigins()
		}
	}
}

func (r *Registry) applyRemote(event pubsub.Event) {
	switch event.Kind {
	case pubsub.KindPresenceJoin:
		var p joinPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			r.logger.Warn("presence: malformed join", zap.Error(err))
			return
		}
		if p.Origin == r.origin {
			return
		}
		r.markRemote(p.Origin)
		r.apply(EventJoin, p.Topic, p.Key, p.Origin, p.Meta)

	case pubsub.KindPresenceLeave:
		var p leavePayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			r.logger.Warn("presence: malformed leave", zap.Error(err))
			return
		}
		if p.Origin == r.origin {
			return
		}
		r.markRemote(p.Origin)
		r.apply(EventLeave, p.Topic, p.Key, p.Origin, Meta{})

	case pubsub.KindPresenceSync:
		var p syncPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			r.logger.Warn("presence: malformed sync", zap.Error(err))
			return
		}
		if p.Origin == r.origin {
			return
		}
		r.markRemote(p.Origin)
		r.reconcile(p.Origin, p.Leases)
	}
}

// apply mutates the lease table and notifies watchers while holding
// the lock, so watchers opened before a join always observe it.
func (r *Registry) apply(typ EventType, topic, key string, origin uuid.UUID, meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch typ {
	case EventJoin:
		byKey, ok := r.leases[topic]
		if !ok {
			byKey = make(map[string]map[uuid.UUID]Meta)
			r.leases[topic] = byKey
		}
		byOrigin, ok := byKey[key]
		if !ok {
			byOrigin = make(map[uuid.UUID]Meta)
			byKey[key] = byOrigin
		}
		wasOnline := len(byOrigin) > 0
		byOrigin[origin] = meta
		if wasOnline {
			// Meta refresh of an online key; watchers only care
			// about offline/online transitions.
			return
		}

	case EventLeave:
		byKey, ok := r.leases[topic]
		if !ok {
			return
		}
		byOrigin, ok := byKey[key]
		if !ok {
			return
		}
		meta = byOrigin[origin]
		delete(byOrigin, origin)
		if len(byOrigin) > 0 {
			// The key is still online through another instance;
			// watchers see no transition.
			return
		}
		delete(byKey, key)
		if len(byKey) == 0 {
			delete(r.leases, topic)
		}
	}

	r.notifyLocked(Event{Type: typ, Topic: topic, Key: key, Meta: meta})
}

func (r *Registry) notifyLocked(event Event) {
	for w := range r.watchers[event.Topic] {
		select {
		case w.ch <- event:
		default:
			r.logger.Warn("presence: dropped event for slow watcher",
				zap.String("topic", event.Topic),
				zap.String("key", event.Key))
		}
	}
}

func (r *Registry) unwatch(w *Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range w.topics {
		if set, ok := r.watchers[topic]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(r.watchers, topic)
			}
		}
	}
}

func (r *Registry) markRemote(origin uuid.UUID) {
	r.mu.Lock()
	r.remotes[origin] = r.clock.Now()
	r.mu.Unlock()
}

func (r *Registry) publishSync(ctx context.Context) {
	r.mu.RLock()
	var records []leaseRecord
	for topic, byKey := range r.leases {
		for key, byOrigin := range byKey {
			if meta, ok := byOrigin[r.origin]; ok {
				records = append(records, leaseRecord{Topic: topic, Key: key, Meta: meta})
			}
		}
	}
	r.mu.RUnlock()

	r.bus.Publish(ctx, pubsub.NewEvent(pubsub.PresenceTopic, pubsub.KindPresenceSync, syncPayload{
		Origin: r.origin,
		Leases: records,
	}))
}

// reconcile replaces everything known about one origin with its
// snapshot, emitting the joins and leaves implied by the diff.
func (r *Registry) reconcile(origin uuid.UUID, records []leaseRecord) {
	current := make(map[string]map[string]struct{})
	r.mu.RLock()
	for topic, byKey := range r.leases {
		for key, byOrigin := range byKey {
			if _, ok := byOrigin[origin]; ok {
				if current[topic] == nil {
					current[topic] = make(map[string]struct{})
				}
				current[topic][key] = struct{}{}
			}
		}
	}
	r.mu.RUnlock()

	for _, record := range records {
		r.apply(EventJoin, record.Topic, record.Key, origin, record.Meta)
		if keys, ok := current[record.Topic]; ok {
			delete(keys, record.Key)
		}
	}
	for topic, keys := range current {
		for key := range keys {
			r.apply(EventLeave, topic, key, origin, Meta{})
		}
	}
}

// expireSilentOrigins drops every lease of instances that stopped
// syncing. Crash recovery rides on this.
func (r *Registry) expireSilentOrigins() {
	cutoff := r.clock.Now().Add(-livenessTimeout)

	r.mu.RLock()
	var dead []uuid.UUID
	for origin, lastSeen := range r.remotes {
		if lastSeen.Before(cutoff) {
			dead = append(dead, origin)
		}
	}
	var stale []struct {
		topic, key string
		origin     uuid.UUID
	}
	for _, origin := range dead {
		for topic, byKey := range r.leases {
			for key, byOrigin := range byKey {
				if _, ok := byOrigin[origin]; ok {
					stale = append(stale, struct {
						topic, key string
						origin     uuid.UUID
					}{topic, key, origin})
				}
			}
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		r.apply(EventLeave, s.topic, s.key, s.origin, Meta{})
	}
	if len(dead) > 0 {
		r.mu.Lock()
		for _, origin := range dead {
			delete(r.remotes, origin)
		}
		r.mu.Unlock()
		r.logger.Info("presence: expired silent instances", zap.Int("count", len(dead)))
	}
}

type joinPayload struct {
	Origin uuid.UUID `json:"origin"`
	Topic  string    `json:"topic"`
	Key    string    `json:"key"`
	Meta   Meta      `json:"meta"`
}

type leavePayload struct {
	Origin uuid.UUID `json:"origin"`
	Topic  string    `json:"topic"`
	Key    string    `json:"key"`
}

type syncPayload struct {
	Origin uuid.UUID     `json:"origin"`
	Leases []leaseRecord `json:"leases"`
}

type leaseRecord struct {
	Topic string `json:"topic"`
	Key   string `json:"key"`
	Meta  Meta   `json:"meta"`
}
