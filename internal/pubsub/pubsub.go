// Package pubsub is the topic bus connecting sessions, the resolver
// and the relay pool. Events published on one instance reach local
// subscribers directly and other instances through Postgres NOTIFY.
package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event kinds carried on the bus.
const (
	KindResourceCreatedOrUpdated = "resource_created_or_updated"
	KindResourceDeleted          = "resource_deleted"
	KindPolicyCreated            = "policy_created"
	KindPolicyUpdated            = "policy_updated"
	KindPolicyDisabled           = "policy_disabled"
	KindPolicyEnabled            = "policy_enabled"
	KindPolicyDeleted            = "policy_deleted"
	KindMembershipAdded          = "membership_added"
	KindMembershipRemoved        = "membership_removed"
	KindConfigChanged            = "config_changed"
	KindDisconnect               = "disconnect"

	// Cross-session routing kinds used by the flow broker.
	KindRequestConnection       = "request_connection"
	KindAllowAccess             = "allow_access"
	KindConnect                 = "connect"
	KindICECandidates           = "ice_candidates"
	KindInvalidateICECandidates = "invalidate_ice_candidates"

	// Presence replication kinds.
	KindPresenceJoin  = "presence_join"
	KindPresenceLeave = "presence_leave"
	KindPresenceSync  = "presence_sync"
)

// GlobalRelaysTopic carries presence of the shared relay pool.
const GlobalRelaysTopic = "relays"

// PresenceTopic carries presence replication between instances.
const PresenceTopic = "presence"

// ClientsTopic fans out to every client session of an account.
func ClientsTopic(accountID uuid.UUID) string { return "clients:" + accountID.String() }

// GatewaysTopic fans out to every gateway session of an account.
func GatewaysTopic(accountID uuid.UUID) string { return "gateways:" + accountID.String() }

// RelaysTopic carries presence of an account's dedicated relays.
func RelaysTopic(accountID uuid.UUID) string { return "relays:" + accountID.String() }

// EventsTopic carries entity-change notifications for an account.
func EventsTopic(accountID uuid.UUID) string { return "events:" + accountID.String() }

// ClientSessionTopic addresses one client session.
func ClientSessionTopic(clientID uuid.UUID) string { return "client:" + clientID.String() }

// GatewaySessionTopic addresses one gateway session.
func GatewaySessionTopic(gatewayID uuid.UUID) string { return "gateway:" + gatewayID.String() }

// TokenTopic addresses every session authenticated by one token.
func TokenTopic(tokenID uuid.UUID) string { return "tokens:" + tokenID.String() }

// BrokerReplyTopic carries the gateway's answer for one brokered
// request back to the waiting broker.
func BrokerReplyTopic(requestID uuid.UUID) string { return "broker:" + requestID.String() }

// Event is one bus message.
type Event struct {
	Topic   string          `json:"topic"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals a payload into an Event. Marshal failures are a
// programming error and panic.
func NewEvent(topic, kind string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic("pubsub: marshal payload: " + err.Error())
	}
	return Event{Topic: topic, Kind: kind, Payload: raw}
}

// Publisher is the sending half of the bus.
// *Bus and *PostgresBus satisfy this interface.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Subscriber is the receiving half of the bus.
type Subscriber interface {
	Subscribe(topics ...string) *Subscription
}

// subscriptionBuffer bounds each subscriber queue. Past the bound
// only expendable events are shed; control events always land.
const subscriptionBuffer = 256

// droppableKind reports whether an event may be shed under
// back-pressure. Only ICE candidate traffic is expendable: peers
// re-gather candidates, but a lost disconnect, change event, presence
// update or brokered reply leaves sessions diverged.
func droppableKind(kind string) bool {
	return kind == KindICECandidates || kind == KindInvalidateICECandidates
}

// Subscription is one subscriber's stream over a set of topics.
// Events queue between the publisher and the consumer so a slow
// consumer never stalls publishers; see enqueue for what happens when
// the queue fills.
type Subscription struct {
	bus    *Bus
	topics []string

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}

	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Events returns the subscription's stream. The channel closes when
// the subscription does.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.done)
	})
}

// enqueue adds the event to the subscriber queue. At capacity a
// droppable newcomer is shed; a control newcomer instead evicts the
// oldest queued droppable event, and when nothing queued is
// expendable the queue grows, so control events are never lost. The
// shed event, if any, is returned for the drop recorder.
func (s *Subscription) enqueue(event Event) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var shed Event
	var didShed bool
	if len(s.queue) >= subscriptionBuffer {
		if droppableKind(event.Kind) {
			return event, true
		}
		for i := range s.queue {
			if droppableKind(s.queue[i].Kind) {
				shed, didShed = s.queue[i], true
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	s.queue = append(s.queue, event)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return shed, didShed
}

// pump moves queued events onto the subscriber channel in order and
// closes the channel when the subscription does.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- event:
		case <-s.done:
			return
		}
	}
}

// Bus is the in-process topic bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	onDrop func(topic string)
	logger *zap.Logger
}

// NewBus creates a Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger,
	}
}

// SetDropRecorder configures the callback invoked when a slow
// subscriber loses an event.
func (b *Bus) SetDropRecorder(fn func(topic string)) {
	b.onDrop = fn
}

// Subscribe opens a subscription covering every listed topic.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		bus:    b,
		topics: topics,
		wake:   make(chan struct{}, 1),
		ch:     make(chan Event),
		done:   make(chan struct{}),
	}
	go sub.pump()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		set, ok := b.subs[topic]
		if !ok {
			set = make(map[*Subscription]struct{})
			b.subs[topic] = set
		}
		set[sub] = struct{}{}
	}
	return sub
}

// Publish delivers the event to every local subscriber of its topic.
// Delivery never blocks: once a subscriber's queue fills, ICE
// candidate traffic is shed while control events are retained.
func (b *Bus) Publish(_ context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[event.Topic] {
		shed, didShed := sub.enqueue(event)
		if !didShed {
			continue
		}
		if b.onDrop != nil {
			b.onDrop(shed.Topic)
		}
		b.logger.Warn("pubsub: shed event for slow subscriber",
			zap.String("topic", shed.Topic),
			zap.String("kind", shed.Kind))
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		if set, ok := b.subs[topic]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, topic)
			}
		}
	}
}
