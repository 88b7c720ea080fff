package session_test

import (
	"context"
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/broker"
	"github.com/jmerrifield20/MeshPortal/internal/presence"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/relaypool"
	"github.com/jmerrifield20/MeshPortal/internal/resolver"
	"github.com/jmerrifield20/MeshPortal/internal/session"
	"github.com/jmerrifield20/MeshPortal/internal/store"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
	gatewaymsg "github.com/jmerrifield20/MeshPortal/internal/wire/gateway"
)

type gatewayFixture struct {
	conn     *fakeConn
	bus      *pubsub.Bus
	registry *presence.Registry
	clock    clockwork.FakeClock
	broker   *fakeBroker

	accountID uuid.UUID
	gateway   *store.Gateway
	subject   *auth.Subject

	done chan error
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	clock := clockwork.NewFakeClock()
	bus := pubsub.NewBus(zap.NewNop())
	registry := presence.NewRegistry(bus, clock, zap.NewNop())

	accountID := uuid.New()
	groupID := uuid.New()
	account := &store.Account{ID: accountID, Slug: "corp", Name: "Corp"}

	ipv4 := netip.MustParseAddr("100.64.0.1")
	gw := &store.Gateway{
		ID:              uuid.New(),
		AccountID:       accountID,
		GroupID:         groupID,
		Name:            "gw-1",
		PublicKey:       "gw-pub",
		IPv4:            &ipv4,
		LastSeenVersion: "1.2.0",
	}

	return &gatewayFixture{
		conn:     newFakeConn(),
		bus:      bus,
		registry: registry,
		clock:    clock,
		broker:   &fakeBroker{},

		accountID: accountID,
		gateway:   gw,
		subject: &auth.Subject{
			Account:        account,
			TokenID:        uuid.New(),
			TokenKind:      store.TokenKindGatewayGroup,
			GatewayGroupID: &groupID,
			Permissions:    auth.NewCapabilitySet(auth.CapSessionsConnect),
		},
		done: make(chan error, 1),
	}
}

func (f *gatewayFixture) start(t *testing.T) wire.Envelope {
	t.Helper()

	deps := session.Deps{
		Clients:  fakeTouch{},
		Gateways: fakeTouch{},
		Relays:   fakeRelayTouch{},
		Resolver: resolver.New(&fakeVisible{}),
		Pool:     relaypool.NewPool(f.registry, f.clock, 2, 0),
		Broker:   f.broker,
		Presence: f.registry,
		Bus:      f.bus,
		Clock:    f.clock,
		Logger:   zap.NewNop(),
	}
	s := session.NewGatewaySession(f.conn, f.subject, f.gateway, deps)
	go func() {
		f.done <- s.Run(context.Background())
		close(f.done)
	}()
	t.Cleanup(func() {
		f.conn.Close() //nolint:errcheck
		select {
		case <-f.done:
		case <-time.After(waitFor):
			t.Error("session did not stop")
		}
	})
	return f.conn.next(t, wire.EventInit)
}

// route publishes a brokered request onto the gateway's session topic
// and returns the frame it produced on the socket.
func (f *gatewayFixture) route(t *testing.T, kind string, requestID uuid.UUID, message any) wire.Envelope {
	t.Helper()
	raw, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	f.bus.Publish(context.Background(), pubsub.NewEvent(
		pubsub.GatewaySessionTopic(f.gateway.ID), kind,
		broker.RoutedRequest{RequestID: requestID, Message: raw}))
	return f.conn.next(t, kind)
}

func TestGatewayInitCarriesInterface(t *testing.T) {
	f := newGatewayFixture(t)
	env := f.start(t)

	var init gatewaymsg.Init
	if err := json.Unmarshal(env.Payload, &init); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if got := init.Interface.IPv4.String(); got != "100.64.0.1" {
		t.Errorf("interface ipv4 = %q, want %q", got, "100.64.0.1")
	}
	if !f.registry.Online(pubsub.GatewaysTopic(f.accountID), f.gateway.ID.String()) {
		t.Error("gateway not present after join")
	}
}

func TestBrokeredRequestReachesSocketWithRef(t *testing.T) {
	f := newGatewayFixture(t)
	f.start(t)

	resourceID := uuid.New()
	clientID := uuid.New()
	env := f.route(t, pubsub.KindRequestConnection, uuid.New(), gatewaymsg.RequestConnection{
		ResourceID:             resourceID,
		ClientID:               clientID,
		ClientPayload:          json.RawMessage(`"RTC_SD"`),
		ClientPresharedKey:     "PSK",
		AuthorizationExpiresAt: 1700000000,
	})

	if env.Ref == nil {
		t.Fatal("brokered request carried no ref")
	}
	var req gatewaymsg.RequestConnection
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if req.ResourceID != resourceID || req.ClientID != clientID {
		t.Errorf("payload ids = (%s, %s), want (%s, %s)", req.ResourceID, req.ClientID, resourceID, clientID)
	}
	if req.ClientPresharedKey != "PSK" {
		t.Errorf("client_preshared_key = %q, want PSK", req.ClientPresharedKey)
	}
	if req.AuthorizationExpiresAt != 1700000000 {
		t.Errorf("authorization_expires_at = %d", req.AuthorizationExpiresAt)
	}
}

func TestConnectAnswerRoutedBackToBroker(t *testing.T) {
	f := newGatewayFixture(t)
	f.start(t)

	requestID := uuid.New()
	resourceID := uuid.New()
	replies := f.bus.Subscribe(pubsub.BrokerReplyTopic(requestID))
	defer replies.Close()

	env := f.route(t, pubsub.KindAllowAccess, requestID, gatewaymsg.AllowAccess{
		ResourceID: resourceID,
		ClientID:   uuid.New(),
	})

	f.conn.send(t, wire.EventConnect, env.Ref, gatewaymsg.Connect{
		ResourceID:       resourceID,
		GatewayPublicKey: "gw-pub",
		GatewayPayload:   json.RawMessage(`"FULL_RTC_SD"`),
	})

	select {
	case event := <-replies.Events():
		if event.Kind != pubsub.KindConnect {
			t.Fatalf("reply kind = %q, want connect", event.Kind)
		}
		var reply broker.RoutedReply
		if err := json.Unmarshal(event.Payload, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if reply.RequestID != requestID {
			t.Errorf("request id = %s, want %s", reply.RequestID, requestID)
		}
		if reply.GatewayPublicKey != "gw-pub" {
			t.Errorf("gateway_public_key = %q", reply.GatewayPublicKey)
		}
	case <-time.After(waitFor):
		t.Fatal("no routed reply on the broker topic")
	}
}

func TestLateConnectAnswerIsDropped(t *testing.T) {
	f := newGatewayFixture(t)
	f.start(t)

	requestID := uuid.New()
	replies := f.bus.Subscribe(pubsub.BrokerReplyTopic(requestID))
	defer replies.Close()

	unknownRef := uint64(99)
	f.conn.send(t, wire.EventConnect, &unknownRef, gatewaymsg.Connect{
		ResourceID: uuid.New(),
	})

	// The session must still answer heartbeats, proving it survived.
	hbRef := uint64(1)
	f.conn.send(t, wire.EventHeartbeat, &hbRef, struct{}{})
	f.conn.next(t, wire.EventReply)

	select {
	case event := <-replies.Events():
		t.Fatalf("late reply was routed: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnansweredRefsAreSwept(t *testing.T) {
	f := newGatewayFixture(t)
	f.start(t)

	staleID := uuid.New()
	staleReplies := f.bus.Subscribe(pubsub.BrokerReplyTopic(staleID))
	defer staleReplies.Close()
	staleEnv := f.route(t, pubsub.KindRequestConnection, staleID, gatewaymsg.RequestConnection{
		ResourceID: uuid.New(),
	})

	// Long past the broker deadline nothing can still be waiting on
	// the stale ref; the next brokered request sweeps it.
	f.clock.Advance(3 * broker.DefaultTimeout)
	freshID := uuid.New()
	freshReplies := f.bus.Subscribe(pubsub.BrokerReplyTopic(freshID))
	defer freshReplies.Close()
	freshEnv := f.route(t, pubsub.KindAllowAccess, freshID, gatewaymsg.AllowAccess{
		ResourceID: uuid.New(),
	})

	f.conn.send(t, wire.EventConnect, staleEnv.Ref, gatewaymsg.Connect{ResourceID: uuid.New()})
	f.conn.send(t, wire.EventConnect, freshEnv.Ref, gatewaymsg.Connect{ResourceID: uuid.New()})

	// The fresh answer routing orders the assertion after both sends.
	select {
	case <-freshReplies.Events():
	case <-time.After(waitFor):
		t.Fatal("fresh answer was not routed")
	}
	select {
	case event := <-staleReplies.Events():
		t.Fatalf("swept ref was still routed: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGatewayICEBroadcastForwardsToClients(t *testing.T) {
	f := newGatewayFixture(t)
	f.start(t)

	clientID := uuid.New()
	f.conn.send(t, wire.EventBroadcastICECandidates, nil, gatewaymsg.BroadcastICECandidates{
		ClientIDs:  []uuid.UUID{clientID},
		Candidates: []string{"candidate:1"},
	})

	// Forwarding is synchronous in the run loop; a heartbeat round
	// trip orders the assertion after it.
	hbRef := uint64(1)
	f.conn.send(t, wire.EventHeartbeat, &hbRef, struct{}{})
	f.conn.next(t, wire.EventReply)
}

func TestGatewayICEFanInReachesSocket(t *testing.T) {
	f := newGatewayFixture(t)
	f.start(t)

	clientID := uuid.New()
	f.bus.Publish(context.Background(), pubsub.NewEvent(
		pubsub.GatewaySessionTopic(f.gateway.ID), pubsub.KindICECandidates,
		gatewaymsg.ICECandidates{ClientID: clientID, Candidates: []string{"candidate:1"}}))

	env := f.conn.next(t, wire.EventICECandidates)
	var ice gatewaymsg.ICECandidates
	if err := json.Unmarshal(env.Payload, &ice); err != nil {
		t.Fatalf("decode ice_candidates: %v", err)
	}
	if ice.ClientID != clientID {
		t.Errorf("client_id = %s, want %s", ice.ClientID, clientID)
	}
}

func TestGatewayForcedDisconnect(t *testing.T) {
	f := newGatewayFixture(t)
	f.start(t)

	f.bus.Publish(context.Background(), pubsub.NewEvent(
		pubsub.TokenTopic(f.subject.TokenID), pubsub.KindDisconnect,
		pubsub.Disconnect{Reason: wire.DisconnectShutdown}))

	f.conn.next(t, wire.EventDisconnect)
	select {
	case <-f.done:
	case <-time.After(waitFor):
		t.Fatal("session did not stop after forced disconnect")
	}
	if f.registry.Online(pubsub.GatewaysTopic(f.accountID), f.gateway.ID.String()) {
		t.Error("gateway still present after close")
	}
}
