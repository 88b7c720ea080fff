package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/broker"
	"github.com/jmerrifield20/MeshPortal/internal/presence"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/resolver"
	"github.com/jmerrifield20/MeshPortal/internal/store"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
	clientmsg "github.com/jmerrifield20/MeshPortal/internal/wire/client"
)

// ClientSession is the state machine behind one /client socket. It is
// created after authentication succeeds and runs until the socket
// ends, the token expires, or a disconnect is pushed at it.
type ClientSession struct {
	id      uuid.UUID
	conn    Conn
	subject *auth.Subject
	client  *store.Client
	version *version.Version

	// hasDedicatedRelays decides whether the session also watches the
	// global relay pool.
	hasDedicatedRelays bool

	deps    Deps
	tracker *resolver.Tracker
	out     *outbox
	logger  *zap.Logger

	wg sync.WaitGroup
}

// NewClientSession builds a session for an authenticated client. The
// subject's actor must be set; the caller has already validated the
// reported version.
func NewClientSession(conn Conn, subject *auth.Subject, clnt *store.Client, clientVersion *version.Version, hasDedicatedRelays bool, deps Deps) *ClientSession {
	id := uuid.New()
	logger := deps.Logger.With(
		zap.String("session_id", id.String()),
		zap.String("client_id", clnt.ID.String()),
		zap.String("account_id", subject.Account.ID.String()),
	)
	return &ClientSession{
		id:                 id,
		conn:               conn,
		subject:            subject,
		client:             clnt,
		version:            clientVersion,
		hasDedicatedRelays: hasDedicatedRelays,
		deps:               deps,
		tracker:            deps.Resolver.Track(subject.Account.ID, subject.Actor.ID, clientVersion),
		out:                newOutbox(conn, deps.RecordDrop, logger),
		logger:             logger,
	}
}

// Run joins presence, pushes init, and serves the session until it
// closes. The returned error is nil for orderly closes, including
// token expiry and forced disconnects.
func (s *ClientSession) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.out.run()
	defer s.out.close()
	defer s.wg.Wait()

	clientsTopic := pubsub.ClientsTopic(s.subject.Account.ID)
	key := s.client.ID.String()
	s.deps.Presence.Join(ctx, clientsTopic, key, presence.Meta{SessionID: s.id})
	defer s.deps.Presence.Leave(context.WithoutCancel(ctx), clientsTopic, key)

	sub := s.deps.Bus.Subscribe(
		pubsub.ClientSessionTopic(s.client.ID),
		pubsub.EventsTopic(s.subject.Account.ID),
		pubsub.TokenTopic(s.subject.TokenID),
	)
	defer sub.Close()

	relayTopics := []string{pubsub.RelaysTopic(s.subject.Account.ID)}
	if !s.hasDedicatedRelays {
		relayTopics = append(relayTopics, pubsub.GlobalRelaysTopic)
	}
	watcher := s.deps.Presence.Watch(relayTopics...)
	defer watcher.Close()

	var expiry <-chan time.Time
	if timer, ok := expiryTimer(s.deps.Clock, s.subject.ExpiresAt); ok {
		defer timer.Stop()
		expiry = timer.Chan()
	}

	if err := s.pushInit(ctx); err != nil {
		return err
	}
	s.logger.Info("client session ready",
		zap.String("version", s.version.String()))

	frames := readLoop(s.conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-expiry:
			s.logger.Info("token expired, disconnecting client")
			s.out.push(wire.Disconnect{Reason: wire.DisconnectTokenExpired})
			return nil

		case data, ok := <-frames:
			if !ok {
				return nil
			}
			if err := s.handleFrame(ctx, data); err != nil {
				if errors.Is(err, errClosed) {
					return nil
				}
				s.logger.Warn("closing client session on bad frame", zap.Error(err))
				return nil
			}

		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := s.handleBusEvent(ctx, event); err != nil {
				if errors.Is(err, errClosed) {
					return nil
				}
				s.logger.Error("handle bus event",
					zap.String("kind", event.Kind), zap.Error(err))
			}

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			s.pushRelaysPresence(ev)
		}
	}
}

// pushInit computes the initial resource list and relay set and sends
// the first frame of the session.
func (s *ClientSession) pushInit(ctx context.Context) error {
	resources, err := s.tracker.Init(ctx)
	if err != nil {
		return err
	}
	if resources == nil {
		resources = []wire.ResourceView{}
	}
	s.out.push(clientmsg.Init{
		Resources: resources,
		Interface: s.interfaceView(s.subject.Account),
		Relays:    s.relayViews(),
	})
	return nil
}

func (s *ClientSession) interfaceView(account *store.Account) wire.InterfaceView {
	view := wire.InterfaceView{
		UpstreamDNS: wire.UpstreamDNS(account.UpstreamDNS),
	}
	if s.client.IPv4 != nil {
		view.IPv4 = *s.client.IPv4
	}
	if s.client.IPv6 != nil {
		view.IPv6 = *s.client.IPv6
	}
	return view
}

// relayViews picks the current relay set and derives the per-session
// TURN credentials. Credentials expire with the subject, or after a
// day for non-expiring credentials.
func (s *ClientSession) relayViews() []wire.RelayView {
	expiresAt := s.subject.ExpiresAt
	if expiresAt.IsZero() || expiresAt.After(s.deps.Clock.Now().Add(24*time.Hour)) {
		expiresAt = s.deps.Clock.Now().Add(24 * time.Hour)
	}
	descriptors := s.deps.Pool.Pick(s.subject.Account.ID, s.client.Lat, s.client.Lon)
	views := s.deps.Pool.Views(descriptors, s.client.ID, expiresAt)
	if views == nil {
		views = []wire.RelayView{}
	}
	return views
}

func (s *ClientSession) pushRelaysPresence(ev presence.Event) {
	disconnected := []uuid.UUID{}
	if ev.Type == presence.EventLeave {
		if id, err := uuid.Parse(ev.Key); err == nil {
			disconnected = append(disconnected, id)
		}
	}
	s.out.push(clientmsg.RelaysPresence{
		DisconnectedIDs: disconnected,
		Connected:       s.relayViews(),
	})
}

func (s *ClientSession) handleFrame(ctx context.Context, data []byte) error {
	msg, err := clientmsg.DecodeInbound(data)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case clientmsg.PrepareConnection:
		details, err := s.deps.Broker.PrepareConnection(ctx, s.subject, s.client, s.version, m)
		if err != nil {
			s.replyRefusal(m.Ref, err)
			return nil
		}
		s.out.replyOK(m.Ref, details)

	case clientmsg.ReuseConnection:
		s.dispatch(ctx, m.Ref, func(ctx context.Context) (*clientmsg.Connect, error) {
			return s.deps.Broker.ReuseConnection(ctx, s.subject, s.client, m)
		})

	case clientmsg.RequestConnection:
		s.dispatch(ctx, m.Ref, func(ctx context.Context) (*clientmsg.Connect, error) {
			return s.deps.Broker.RequestConnection(ctx, s.subject, s.client, m)
		})

	case clientmsg.BroadcastICECandidates:
		s.deps.Broker.BroadcastICECandidates(ctx, s.client.ID, m.GatewayIDs, m.Candidates)

	case clientmsg.BroadcastInvalidatedICECandidates:
		s.deps.Broker.BroadcastInvalidatedICECandidates(ctx, s.client.ID, m.GatewayIDs, m.Candidates)

	case clientmsg.CreateLogSink:
		s.createLogSink(m.Ref)

	case clientmsg.Heartbeat:
		s.heartbeat(ctx)
		s.out.replyOK(m.Ref, struct{}{})
	}
	return nil
}

// dispatch runs a brokered RPC off the session goroutine so a slow
// gateway cannot stall resource pushes. Session close cancels the
// await through ctx; a reply after cancellation goes nowhere because
// the outbox is already closed.
func (s *ClientSession) dispatch(ctx context.Context, ref uint64, call func(context.Context) (*clientmsg.Connect, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		connect, err := call(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.replyRefusal(ref, err)
			return
		}
		s.out.replyOK(ref, connect)
	}()
}

func (s *ClientSession) createLogSink(ref uint64) {
	if !s.subject.Account.Features.LogSink {
		s.out.replyError(ref, wire.Reason{Kind: wire.ReasonDisabled})
		return
	}
	if s.deps.LogSink == nil {
		s.out.replyError(ref, wire.Reason{Kind: wire.ReasonRetryLater})
		return
	}
	url, err := s.deps.LogSink.SignURL(s.subject.Account.Slug, s.client.ID)
	if err != nil {
		s.logger.Warn("log sink signing failed", zap.Error(err))
		s.out.replyError(ref, wire.Reason{Kind: wire.ReasonRetryLater})
		return
	}
	s.out.replyOK(ref, clientmsg.LogSink{URL: url})
}

// heartbeat refreshes the presence lease and the persisted liveness
// stamp staleness reaping keys off.
func (s *ClientSession) heartbeat(ctx context.Context) {
	now := s.deps.Clock.Now().UTC()
	s.deps.Presence.Join(ctx, pubsub.ClientsTopic(s.subject.Account.ID), s.client.ID.String(),
		presence.Meta{SessionID: s.id})
	if err := s.deps.Clients.TouchLastSeen(ctx, s.subject.Account.ID, s.client.ID, now); err != nil {
		s.logger.Warn("touch client", zap.Error(err))
	}
}

func (s *ClientSession) handleBusEvent(ctx context.Context, event pubsub.Event) error {
	switch event.Kind {
	case pubsub.KindDisconnect:
		var d pubsub.Disconnect
		if err := json.Unmarshal(event.Payload, &d); err != nil {
			return err
		}
		if d.Reason == "" {
			d.Reason = wire.DisconnectShutdown
		}
		s.logger.Info("client session disconnected", zap.String("reason", d.Reason))
		s.out.push(wire.Disconnect{Reason: d.Reason})
		return errClosed

	case pubsub.KindICECandidates, pubsub.KindInvalidateICECandidates:
		// The payload is already in client push shape.
		s.out.pushRaw(event.Kind, event.Payload)
		return nil

	case pubsub.KindConfigChanged:
		account, err := s.deps.Accounts.GetByID(ctx, s.subject.Account.ID)
		if err != nil {
			return err
		}
		s.subject.Account = account
		s.out.push(clientmsg.ConfigChanged{Interface: s.interfaceView(account)})
		return nil

	default:
		deltas, err := s.tracker.React(ctx, event)
		if err != nil {
			return err
		}
		for _, delta := range deltas {
			s.pushDelta(delta)
		}
		return nil
	}
}

func (s *ClientSession) pushDelta(delta resolver.Delta) {
	switch delta.Kind {
	case pubsub.KindResourceDeleted:
		s.out.push(clientmsg.ResourceDeleted{ID: delta.ID})
	case pubsub.KindResourceCreatedOrUpdated:
		if delta.View != nil {
			s.out.push(clientmsg.ResourceCreatedOrUpdated(*delta.View))
		}
	}
}

// replyRefusal maps a broker or auth error onto the wire taxonomy.
// Anything unclassified answers retry_later so the client backs off
// instead of interpreting an internal fault as a policy decision.
func (s *ClientSession) replyRefusal(ref uint64, err error) {
	var refused *broker.RefusedError
	switch {
	case errors.As(err, &refused):
		s.out.replyError(ref, refused.Reason)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.out.replyError(ref, wire.Reason{Kind: wire.ReasonClosed})
	default:
		s.logger.Error("rpc failed", zap.Error(err))
		s.out.replyError(ref, wire.Reason{Kind: wire.ReasonRetryLater})
	}
}
