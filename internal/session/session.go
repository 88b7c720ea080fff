// Package session runs the per-connection state machines for clients,
// gateways and relays. Each session is one goroutine draining a socket
// and a set of bus subscriptions; all cross-session communication goes
// through the pubsub bus, never through shared state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/presence"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/relaypool"
	"github.com/jmerrifield20/MeshPortal/internal/resolver"
	"github.com/jmerrifield20/MeshPortal/internal/store"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
	clientmsg "github.com/jmerrifield20/MeshPortal/internal/wire/client"
)

// maxExpiryHorizon caps how far out a token-expiry timer is scheduled.
// Credentials expiring further out than this behave as non-expiring
// for the session's lifetime rather than arming an absurd timer.
const maxExpiryHorizon = 3 * 365 * 24 * time.Hour

// outboxSize bounds the frames queued for one socket writer.
const outboxSize = 128

// Conn is the transport a session reads and writes. *WSConn adapts a
// websocket; tests substitute channel-backed fakes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Broker is the flow-broker surface sessions invoke.
// *broker.Broker satisfies this interface.
type Broker interface {
	PrepareConnection(ctx context.Context, sub *auth.Subject, clnt *store.Client, clientVersion *version.Version, msg clientmsg.PrepareConnection) (*clientmsg.ConnectionDetails, error)
	ReuseConnection(ctx context.Context, sub *auth.Subject, clnt *store.Client, msg clientmsg.ReuseConnection) (*clientmsg.Connect, error)
	RequestConnection(ctx context.Context, sub *auth.Subject, clnt *store.Client, msg clientmsg.RequestConnection) (*clientmsg.Connect, error)
	BroadcastICECandidates(ctx context.Context, clientID uuid.UUID, gatewayIDs []uuid.UUID, candidates []string)
	BroadcastInvalidatedICECandidates(ctx context.Context, clientID uuid.UUID, gatewayIDs []uuid.UUID, candidates []string)
	ForwardICECandidates(ctx context.Context, gatewayID uuid.UUID, clientIDs []uuid.UUID, candidates []string)
	ForwardInvalidatedICECandidates(ctx context.Context, gatewayID uuid.UUID, clientIDs []uuid.UUID, candidates []string)
}

// Bus is the pubsub surface sessions publish and subscribe on.
// *pubsub.Bus and *pubsub.PostgresBus satisfy this interface.
type Bus interface {
	Publish(ctx context.Context, event pubsub.Event)
	Subscribe(topics ...string) *pubsub.Subscription
}

// AccountStore reloads account configuration for config_changed
// pushes. *store.AccountRepository satisfies this interface.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*store.Account, error)
}

// ClientStore persists client liveness. *store.ClientRepository
// satisfies this interface.
type ClientStore interface {
	TouchLastSeen(ctx context.Context, accountID, id uuid.UUID, at time.Time) error
}

// GatewayStore persists gateway liveness. *store.GatewayRepository
// satisfies this interface.
type GatewayStore interface {
	TouchLastSeen(ctx context.Context, accountID, id uuid.UUID, at time.Time) error
}

// RelayStore persists relay liveness. *store.RelayRepository
// satisfies this interface.
type RelayStore interface {
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Signer mints log-sink upload URLs. *logsink.Issuer satisfies this
// interface; nil disables the create_log_sink RPC with retry_later.
type Signer interface {
	SignURL(accountSlug string, clientID uuid.UUID) (string, error)
}

// Deps bundles the process-wide collaborators every session shares.
type Deps struct {
	Accounts AccountStore
	Clients  ClientStore
	Gateways GatewayStore
	Relays   RelayStore
	Resolver *resolver.Resolver
	Pool     *relaypool.Pool
	Broker   Broker
	Presence *presence.Registry
	Bus      Bus
	LogSink  Signer // optional
	Clock    clockwork.Clock
	Logger   *zap.Logger

	// RecordDrop observes back-pressure sheds, keyed by event name.
	// Optional.
	RecordDrop func(event string)
}

// errClosed ends a session run loop after a disconnect push.
var errClosed = errors.New("session closed")

// frame is one encoded message queued for the socket writer.
type frame struct {
	event string
	data  []byte
}

// outbox serializes socket writes behind a bounded queue. Control
// frames block the enqueuer when the queue is full; droppable frames
// are shed instead, so a slow client loses ICE resends before it
// loses replies or disconnect notices.
type outbox struct {
	conn   Conn
	ch     chan frame
	done   chan struct{}
	once   sync.Once
	onDrop func(event string)
	logger *zap.Logger
}

func newOutbox(conn Conn, onDrop func(string), logger *zap.Logger) *outbox {
	return &outbox{
		conn:   conn,
		ch:     make(chan frame, outboxSize),
		done:   make(chan struct{}),
		onDrop: onDrop,
		logger: logger,
	}
}

// run drains the queue onto the socket until the outbox closes or the
// transport fails.
func (o *outbox) run() {
	for {
		select {
		case <-o.done:
			return
		case f := <-o.ch:
			if err := o.conn.WriteMessage(f.data); err != nil {
				o.logger.Debug("socket write failed", zap.String("event", f.event), zap.Error(err))
				o.close()
				return
			}
		}
	}
}

// send queues one frame. Droppable events are shed when the queue is
// full; everything else waits for space.
func (o *outbox) send(event string, data []byte) {
	f := frame{event: event, data: data}
	if wire.Droppable(event) {
		select {
		case o.ch <- f:
		case <-o.done:
		default:
			if o.onDrop != nil {
				o.onDrop(event)
			}
			o.logger.Debug("shed frame under back-pressure", zap.String("event", event))
		}
		return
	}
	select {
	case o.ch <- f:
	case <-o.done:
	}
}

func (o *outbox) close() {
	o.once.Do(func() {
		close(o.done)
		o.conn.Close() //nolint:errcheck
	})
}

// push encodes and queues a ref-less server push.
func (o *outbox) push(m wire.Outbound) {
	data, err := wire.Encode(m)
	if err != nil {
		o.logger.Error("encode push", zap.String("event", m.Event()), zap.Error(err))
		return
	}
	o.send(m.Event(), data)
}

// pushRaw queues a frame whose payload is already encoded, e.g. an
// ICE fan-out relayed straight off the bus.
func (o *outbox) pushRaw(event string, payload []byte) {
	env := wire.Envelope{Event: event, Payload: payload}
	data, err := encodeEnvelope(env)
	if err != nil {
		o.logger.Error("encode relay push", zap.String("event", event), zap.Error(err))
		return
	}
	o.send(event, data)
}

// replyOK answers an RPC with a response body.
func (o *outbox) replyOK(ref uint64, response any) {
	data, err := wire.EncodeOKReply(ref, response)
	if err != nil {
		o.logger.Error("encode reply", zap.Error(err))
		return
	}
	o.send(wire.EventReply, data)
}

// replyError answers an RPC with a refusal.
func (o *outbox) replyError(ref uint64, reason wire.Reason) {
	data, err := wire.EncodeErrorReply(ref, reason)
	if err != nil {
		o.logger.Error("encode error reply", zap.Error(err))
		return
	}
	o.send(wire.EventReply, data)
}

// readLoop feeds socket frames to the session goroutine. It stops on
// the first transport error; the session observes the closed channel.
func readLoop(conn Conn) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ch <- data
		}
	}()
	return ch
}

// expiryTimer arms the one-shot token_expired timer. Non-expiring
// credentials and expiries beyond the sane horizon yield no timer;
// the session then lives until the socket ends.
func expiryTimer(clock clockwork.Clock, expiresAt time.Time) (clockwork.Timer, bool) {
	if expiresAt.IsZero() {
		return nil, false
	}
	d := expiresAt.Sub(clock.Now())
	if d > maxExpiryHorizon {
		return nil, false
	}
	if d < 0 {
		d = 0
	}
	return clock.NewTimer(d), true
}

func encodeEnvelope(env wire.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
