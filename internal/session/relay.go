package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/relaypool"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
	relaymsg "github.com/jmerrifield20/MeshPortal/internal/wire/relay"
)

// RelaySession is the state machine behind one /relay socket. Relays
// publish their descriptor into presence and keep it fresh with
// heartbeats; client sessions watching the pool do the rest.
type RelaySession struct {
	id         uuid.UUID
	conn       Conn
	subject    *auth.Subject
	descriptor relaypool.Descriptor

	deps   Deps
	out    *outbox
	logger *zap.Logger
}

// NewRelaySession builds a session for an authenticated relay. The
// descriptor carries the relay's addresses, geo coordinates and the
// per-connection stamp secret TURN credentials derive from.
func NewRelaySession(conn Conn, subject *auth.Subject, descriptor relaypool.Descriptor, deps Deps) *RelaySession {
	id := uuid.New()
	logger := deps.Logger.With(
		zap.String("session_id", id.String()),
		zap.String("relay_id", descriptor.ID.String()),
	)
	return &RelaySession{
		id:         id,
		conn:       conn,
		subject:    subject,
		descriptor: descriptor,
		deps:       deps,
		out:        newOutbox(conn, deps.RecordDrop, logger),
		logger:     logger,
	}
}

// topic returns the pool this relay serves: the account's dedicated
// pool, or the global pool for relays without an account.
func (s *RelaySession) topic() string {
	if s.descriptor.AccountID != nil {
		return pubsub.RelaysTopic(*s.descriptor.AccountID)
	}
	return pubsub.GlobalRelaysTopic
}

// Run joins the pool and serves heartbeats until the session closes.
func (s *RelaySession) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.out.run()
	defer s.out.close()

	topic := s.topic()
	key := s.descriptor.ID.String()
	s.join(ctx, topic, key)
	defer s.deps.Presence.Leave(context.WithoutCancel(ctx), topic, key)

	sub := s.deps.Bus.Subscribe(pubsub.TokenTopic(s.subject.TokenID))
	defer sub.Close()

	var expiry <-chan time.Time
	if timer, ok := expiryTimer(s.deps.Clock, s.subject.ExpiresAt); ok {
		defer timer.Stop()
		expiry = timer.Chan()
	}

	s.out.push(relaymsg.Init{})
	s.logger.Info("relay session ready", zap.String("pool", topic))

	frames := readLoop(s.conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-expiry:
			s.logger.Info("token expired, disconnecting relay")
			s.out.push(wire.Disconnect{Reason: wire.DisconnectTokenExpired})
			return nil

		case data, ok := <-frames:
			if !ok {
				return nil
			}
			msg, err := relaymsg.DecodeInbound(data)
			if err != nil {
				s.logger.Warn("closing relay session on bad frame", zap.Error(err))
				return nil
			}
			if hb, ok := msg.(relaymsg.Heartbeat); ok {
				s.heartbeat(ctx, topic, key)
				s.out.replyOK(hb.Ref, struct{}{})
			}

		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if event.Kind != pubsub.KindDisconnect {
				continue
			}
			var d pubsub.Disconnect
			if err := json.Unmarshal(event.Payload, &d); err != nil {
				s.logger.Warn("malformed disconnect", zap.Error(err))
				continue
			}
			if d.Reason == "" {
				d.Reason = wire.DisconnectShutdown
			}
			s.logger.Info("relay session disconnected", zap.String("reason", d.Reason))
			s.out.push(wire.Disconnect{Reason: d.Reason})
			return nil
		}
	}
}

// join publishes the descriptor into presence with a fresh liveness
// stamp.
func (s *RelaySession) join(ctx context.Context, topic, key string) {
	s.descriptor.LastSeenAt = s.deps.Clock.Now().UTC()
	s.deps.Presence.Join(ctx, topic, key, relaypool.EncodeMeta(s.descriptor, s.id, s.descriptor.LastSeenAt))
}

func (s *RelaySession) heartbeat(ctx context.Context, topic, key string) {
	s.join(ctx, topic, key)
	if err := s.deps.Relays.TouchLastSeen(ctx, s.descriptor.ID, s.descriptor.LastSeenAt); err != nil {
		s.logger.Warn("touch relay", zap.Error(err))
	}
}
