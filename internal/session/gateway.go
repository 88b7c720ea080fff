package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/broker"
	"github.com/jmerrifield20/MeshPortal/internal/presence"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
	gatewaymsg "github.com/jmerrifield20/MeshPortal/internal/wire/gateway"

	"github.com/jmerrifield20/MeshPortal/internal/store"
)

// GatewaySession is the state machine behind one /gateway socket.
// Gateways receive no resource pushes; their traffic is brokered
// requests fanned in from client sessions plus ICE relays.
type GatewaySession struct {
	id      uuid.UUID
	conn    Conn
	subject *auth.Subject
	gateway *store.Gateway

	deps   Deps
	out    *outbox
	logger *zap.Logger

	// pending maps socket refs handed to the gateway onto the broker
	// request ids awaiting the answer. Touched only by the run loop.
	pending map[uint64]pendingAnswer
	nextRef uint64
}

// pendingAnswer remembers which broker request a socket ref belongs
// to and when it was issued, so refs the gateway never answers can be
// swept instead of accumulating for the session's lifetime.
type pendingAnswer struct {
	requestID uuid.UUID
	issuedAt  time.Time
}

// pendingTTL is how long an unanswered ref stays routable. Well past
// the broker deadline, so any reply this late would be dropped as a
// timeout anyway.
const pendingTTL = 2 * broker.DefaultTimeout

// NewGatewaySession builds a session for an authenticated gateway.
func NewGatewaySession(conn Conn, subject *auth.Subject, gw *store.Gateway, deps Deps) *GatewaySession {
	id := uuid.New()
	logger := deps.Logger.With(
		zap.String("session_id", id.String()),
		zap.String("gateway_id", gw.ID.String()),
		zap.String("account_id", subject.Account.ID.String()),
	)
	return &GatewaySession{
		id:      id,
		conn:    conn,
		subject: subject,
		gateway: gw,
		deps:    deps,
		out:     newOutbox(conn, deps.RecordDrop, logger),
		logger:  logger,
		pending: make(map[uint64]pendingAnswer),
	}
}

// Run joins presence, pushes init, and serves the session until it
// closes.
func (s *GatewaySession) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.out.run()
	defer s.out.close()

	gatewaysTopic := pubsub.GatewaysTopic(s.subject.Account.ID)
	key := s.gateway.ID.String()
	s.deps.Presence.Join(ctx, gatewaysTopic, key, presence.Meta{SessionID: s.id})
	defer s.deps.Presence.Leave(context.WithoutCancel(ctx), gatewaysTopic, key)

	sub := s.deps.Bus.Subscribe(
		pubsub.GatewaySessionTopic(s.gateway.ID),
		pubsub.TokenTopic(s.subject.TokenID),
	)
	defer sub.Close()

	var expiry <-chan time.Time
	if timer, ok := expiryTimer(s.deps.Clock, s.subject.ExpiresAt); ok {
		defer timer.Stop()
		expiry = timer.Chan()
	}

	s.out.push(s.initPush())
	s.logger.Info("gateway session ready",
		zap.String("version", s.gateway.LastSeenVersion))

	frames := readLoop(s.conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-expiry:
			s.logger.Info("token expired, disconnecting gateway")
			s.out.push(wire.Disconnect{Reason: wire.DisconnectTokenExpired})
			return nil

		case data, ok := <-frames:
			if !ok {
				return nil
			}
			if err := s.handleFrame(ctx, data); err != nil {
				s.logger.Warn("closing gateway session on bad frame", zap.Error(err))
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
		}
	}
}

func (s *GatewaySession) initPush() gatewaymsg.Init {
	view := wire.InterfaceView{UpstreamDNS: []wire.DNSServerView{}}
	if s.gateway.IPv4 != nil {
		view.IPv4 = *s.gateway.IPv4
	}
	if s.gateway.IPv6 != nil {
		view.IPv6 = *s.gateway.IPv6
	}
	return gatewaymsg.Init{Interface: view}
}

func (s *GatewaySession) handleFrame(ctx context.Context, data []byte) error {
	msg, err := gatewaymsg.DecodeInbound(data)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case gatewaymsg.Connect:
		s.answer(ctx, m)

	case gatewaymsg.BroadcastICECandidates:
		s.deps.Broker.ForwardICECandidates(ctx, s.gateway.ID, m.ClientIDs, m.Candidates)

	case gatewaymsg.BroadcastInvalidatedICECandidates:
		s.deps.Broker.ForwardInvalidatedICECandidates(ctx, s.gateway.ID, m.ClientIDs, m.Candidates)

	case gatewaymsg.Heartbeat:
		s.heartbeat(ctx)
		s.out.replyOK(m.Ref, struct{}{})
	}
	return nil
}

// answer routes a gateway's connect back to the broker awaiting it.
// A ref with no pending entry is a late reply past the broker's
// deadline and is dropped.
func (s *GatewaySession) answer(ctx context.Context, m gatewaymsg.Connect) {
	p, ok := s.pending[m.Ref]
	if !ok {
		s.logger.Debug("dropping late gateway reply", zap.Uint64("ref", m.Ref))
		return
	}
	delete(s.pending, m.Ref)

	s.deps.Bus.Publish(ctx, pubsub.NewEvent(pubsub.BrokerReplyTopic(p.requestID), pubsub.KindConnect,
		broker.RoutedReply{
			RequestID:        p.requestID,
			ResourceID:       m.ResourceID,
			GatewayPublicKey: m.GatewayPublicKey,
			GatewayPayload:   m.GatewayPayload,
		}))
}

func (s *GatewaySession) heartbeat(ctx context.Context) {
	now := s.deps.Clock.Now().UTC()
	s.deps.Presence.Join(ctx, pubsub.GatewaysTopic(s.subject.Account.ID), s.gateway.ID.String(),
		presence.Meta{SessionID: s.id})
	if err := s.deps.Gateways.TouchLastSeen(ctx, s.subject.Account.ID, s.gateway.ID, now); err != nil {
		s.logger.Warn("touch gateway", zap.Error(err))
	}
}

func (s *GatewaySession) handleBusEvent(_ context.Context, event pubsub.Event) error {
	switch event.Kind {
	case pubsub.KindDisconnect:
		var d pubsub.Disconnect
		if err := json.Unmarshal(event.Payload, &d); err != nil {
			return err
		}
		if d.Reason == "" {
			d.Reason = wire.DisconnectShutdown
		}
		s.logger.Info("gateway session disconnected", zap.String("reason", d.Reason))
		s.out.push(wire.Disconnect{Reason: d.Reason})
		return errClosed

	case pubsub.KindRequestConnection, pubsub.KindAllowAccess:
		var req broker.RoutedRequest
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			return err
		}
		s.forward(event.Kind, req)
		return nil

	case pubsub.KindICECandidates, pubsub.KindInvalidateICECandidates:
		// The payload is already in gateway push shape.
		s.out.pushRaw(event.Kind, event.Payload)
		return nil

	default:
		return nil
	}
}

// forward hands a brokered request to the gateway under a fresh
// socket ref and remembers which broker await the eventual connect
// answers.
func (s *GatewaySession) forward(kind string, req broker.RoutedRequest) {
	now := s.deps.Clock.Now()
	for ref, p := range s.pending {
		if now.Sub(p.issuedAt) > pendingTTL {
			delete(s.pending, ref)
		}
	}

	s.nextRef++
	ref := s.nextRef
	s.pending[ref] = pendingAnswer{requestID: req.RequestID, issuedAt: now}

	env := wire.Envelope{Event: kind, Ref: &ref, Payload: req.Message}
	data, err := encodeEnvelope(env)
	if err != nil {
		s.logger.Error("encode brokered request", zap.Error(err))
		delete(s.pending, ref)
		return
	}
	s.out.send(kind, data)
}
