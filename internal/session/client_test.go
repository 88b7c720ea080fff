package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
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
	clientmsg "github.com/jmerrifield20/MeshPortal/internal/wire/client"
)

const waitFor = 2 * time.Second

// fakeConn is a channel-backed session transport.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// send frames an inbound message as the peer would.
func (c *fakeConn) send(t *testing.T, event string, ref *uint64, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(wire.Envelope{Event: event, Ref: ref, Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	c.in <- data
}

// next returns the next frame with the wanted event, skipping others.
func (c *fakeConn) next(t *testing.T, event string) wire.Envelope {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-c.out:
			var env wire.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("no %q frame within %v", event, waitFor)
		}
	}
}

type fakeVisible struct {
	mu        sync.Mutex
	resources []*store.Resource
}

func (f *fakeVisible) VisibleToActor(_ context.Context, _, _ uuid.UUID) ([]*store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources, nil
}

func (f *fakeVisible) set(resources ...*store.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources = resources
}

type fakeBroker struct {
	mu        sync.Mutex
	connect   *clientmsg.Connect
	err       error
	broadcast [][]uuid.UUID
}

func (f *fakeBroker) PrepareConnection(_ context.Context, _ *auth.Subject, _ *store.Client, _ *version.Version, m clientmsg.PrepareConnection) (*clientmsg.ConnectionDetails, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &clientmsg.ConnectionDetails{ResourceID: m.ResourceID, GatewayID: uuid.New()}, nil
}

func (f *fakeBroker) ReuseConnection(_ context.Context, _ *auth.Subject, _ *store.Client, _ clientmsg.ReuseConnection) (*clientmsg.Connect, error) {
	return f.connect, f.err
}

func (f *fakeBroker) RequestConnection(_ context.Context, _ *auth.Subject, _ *store.Client, _ clientmsg.RequestConnection) (*clientmsg.Connect, error) {
	return f.connect, f.err
}

func (f *fakeBroker) BroadcastICECandidates(_ context.Context, _ uuid.UUID, gatewayIDs []uuid.UUID, _ []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, gatewayIDs)
}

func (f *fakeBroker) BroadcastInvalidatedICECandidates(_ context.Context, _ uuid.UUID, _ []uuid.UUID, _ []string) {
}

func (f *fakeBroker) ForwardICECandidates(_ context.Context, _ uuid.UUID, _ []uuid.UUID, _ []string) {
}

func (f *fakeBroker) ForwardInvalidatedICECandidates(_ context.Context, _ uuid.UUID, _ []uuid.UUID, _ []string) {
}

type fakeTouch struct{}

func (fakeTouch) TouchLastSeen(_ context.Context, _, _ uuid.UUID, _ time.Time) error { return nil }

type fakeRelayTouch struct{}

func (fakeRelayTouch) TouchLastSeen(_ context.Context, _ uuid.UUID, _ time.Time) error { return nil }

type fakeAccounts struct {
	mu      sync.Mutex
	account *store.Account
}

func (f *fakeAccounts) GetByID(_ context.Context, _ uuid.UUID) (*store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account, nil
}

type fakeSigner struct {
	url string
	err error
}

func (f *fakeSigner) SignURL(string, uuid.UUID) (string, error) { return f.url, f.err }

type clientFixture struct {
	conn     *fakeConn
	bus      *pubsub.Bus
	registry *presence.Registry
	clock    clockwork.FakeClock
	visible  *fakeVisible
	broker   *fakeBroker
	accounts *fakeAccounts
	deps     session.Deps

	accountID uuid.UUID
	actorID   uuid.UUID
	client    *store.Client
	subject   *auth.Subject

	done chan error
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()

	clock := clockwork.NewFakeClock()
	bus := pubsub.NewBus(zap.NewNop())
	registry := presence.NewRegistry(bus, clock, zap.NewNop())

	accountID := uuid.New()
	actorID := uuid.New()
	account := &store.Account{
		ID:          accountID,
		Slug:        "corp",
		Name:        "Corp",
		UpstreamDNS: []string{"1.1.1.1", "8.8.8.8:5353"},
	}

	ipv4 := netip.MustParseAddr("100.64.0.10")
	ipv6 := netip.MustParseAddr("fd00:2021:1111::10")
	clnt := &store.Client{
		ID:              uuid.New(),
		AccountID:       accountID,
		ActorID:         actorID,
		Name:            "laptop",
		PublicKey:       "client-pub",
		IPv4:            &ipv4,
		IPv6:            &ipv6,
		LastSeenVersion: "1.2.0",
	}

	f := &clientFixture{
		conn:     newFakeConn(),
		bus:      bus,
		registry: registry,
		clock:    clock,
		visible:  &fakeVisible{},
		broker:   &fakeBroker{},
		accounts: &fakeAccounts{account: account},

		accountID: accountID,
		actorID:   actorID,
		client:    clnt,
		subject: &auth.Subject{
			Account:     account,
			Actor:       &store.Actor{ID: actorID, AccountID: accountID, Role: store.RoleUnprivileged},
			TokenID:     uuid.New(),
			TokenKind:   store.TokenKindClient,
			Permissions: auth.CapabilitiesForRole(store.RoleUnprivileged),
			ExpiresAt:   clock.Now().Add(8 * time.Hour),
		},
		done: make(chan error, 1),
	}
	f.deps = session.Deps{
		Accounts: f.accounts,
		Clients:  fakeTouch{},
		Gateways: fakeTouch{},
		Relays:   fakeRelayTouch{},
		Resolver: resolver.New(f.visible),
		Pool:     relaypool.NewPool(registry, clock, 2, 0),
		Broker:   f.broker,
		Presence: registry,
		Bus:      bus,
		Clock:    clock,
		Logger:   zap.NewNop(),
	}
	return f
}

// start runs the session and waits for its init frame.
func (f *clientFixture) start(t *testing.T) wire.Envelope {
	t.Helper()

	ver := version.Must(version.NewVersion(f.client.LastSeenVersion))
	s := session.NewClientSession(f.conn, f.subject, f.client, ver, false, f.deps)
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

// joinRelay puts a relay descriptor online in the given pool.
func (f *clientFixture) joinRelay(topic string, d relaypool.Descriptor) {
	d.LastSeenAt = f.clock.Now()
	f.registry.Join(context.Background(), topic, d.ID.String(),
		relaypool.EncodeMeta(d, uuid.New(), d.LastSeenAt))
}

func relayDescriptor(lat, lon float64) relaypool.Descriptor {
	ipv4 := netip.MustParseAddr("203.0.113.7")
	return relaypool.Descriptor{
		ID:          uuid.New(),
		IPv4:        &ipv4,
		Port:        3478,
		Lat:         lat,
		Lon:         lon,
		StampSecret: "stamp",
	}
}

func dnsResource(accountID uuid.UUID, name, address string) *store.Resource {
	return &store.Resource{
		ID:        uuid.New(),
		AccountID: accountID,
		Type:      store.ResourceTypeDNS,
		Name:      name,
		Address:   address,
	}
}

func TestInitCarriesResourcesInterfaceAndRelays(t *testing.T) {
	f := newClientFixture(t)
	f.visible.set(
		dnsResource(f.accountID, "app", "app.example.com"),
		dnsResource(f.accountID, "intranet", "intranet.example.com"),
	)
	f.joinRelay(pubsub.GlobalRelaysTopic, relayDescriptor(52.5, 13.4))

	env := f.start(t)

	var init clientmsg.Init
	if err := json.Unmarshal(env.Payload, &init); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if len(init.Resources) != 2 {
		t.Fatalf("init.Resources len = %d, want 2", len(init.Resources))
	}
	if got := init.Resources[0].Name; got != "app" {
		t.Errorf("first resource = %q, want %q", got, "app")
	}
	if got := init.Interface.IPv4.String(); got != "100.64.0.10" {
		t.Errorf("interface ipv4 = %q, want %q", got, "100.64.0.10")
	}
	wantDNS := []wire.DNSServerView{
		{Protocol: "ip_port", Address: "1.1.1.1:53"},
		{Protocol: "ip_port", Address: "8.8.8.8:5353"},
	}
	if len(init.Interface.UpstreamDNS) != 2 || init.Interface.UpstreamDNS[0] != wantDNS[0] || init.Interface.UpstreamDNS[1] != wantDNS[1] {
		t.Errorf("upstream dns = %+v, want %+v", init.Interface.UpstreamDNS, wantDNS)
	}
	if len(init.Relays) == 0 {
		t.Fatal("init.Relays is empty with a relay online")
	}
	seen := make(map[uuid.UUID]bool)
	for _, relay := range init.Relays {
		if seen[relay.ID] {
			t.Errorf("duplicate relay id %s in init", relay.ID)
		}
		seen[relay.ID] = true
	}
}

func TestInitRelaysEmptyWhenNoneOnline(t *testing.T) {
	f := newClientFixture(t)

	env := f.start(t)

	var init clientmsg.Init
	if err := json.Unmarshal(env.Payload, &init); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if init.Relays == nil || len(init.Relays) != 0 {
		t.Errorf("init.Relays = %v, want empty list", init.Relays)
	}
}

func TestTokenExpiryDisconnectsSession(t *testing.T) {
	f := newClientFixture(t)
	f.start(t)

	f.clock.BlockUntil(1)
	f.clock.Advance(8 * time.Hour)

	env := f.conn.next(t, wire.EventDisconnect)
	var d wire.Disconnect
	if err := json.Unmarshal(env.Payload, &d); err != nil {
		t.Fatalf("decode disconnect: %v", err)
	}
	if d.Reason != wire.DisconnectTokenExpired {
		t.Errorf("reason = %q, want %q", d.Reason, wire.DisconnectTokenExpired)
	}

	select {
	case err := <-f.done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(waitFor):
		t.Fatal("session did not stop after token expiry")
	}
}

func TestHeartbeatAnswersOK(t *testing.T) {
	f := newClientFixture(t)
	f.start(t)

	ref := uint64(7)
	f.conn.send(t, wire.EventHeartbeat, &ref, struct{}{})

	env := f.conn.next(t, wire.EventReply)
	if env.Ref == nil || *env.Ref != ref {
		t.Fatalf("reply ref = %v, want %d", env.Ref, ref)
	}
	var reply wire.Reply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != wire.StatusOK {
		t.Errorf("status = %q, want ok", reply.Status)
	}
}

func TestPolicyEventPushesResourceDelta(t *testing.T) {
	f := newClientFixture(t)
	f.start(t)

	granted := dnsResource(f.accountID, "new", "new.example.com")
	f.visible.set(granted)
	f.bus.Publish(context.Background(), pubsub.NewEvent(
		pubsub.EventsTopic(f.accountID), pubsub.KindPolicyCreated,
		pubsub.PolicyChange{PolicyID: uuid.New(), ResourceID: granted.ID}))

	env := f.conn.next(t, wire.EventResourceCreatedOrUpdated)
	var view wire.ResourceView
	if err := json.Unmarshal(env.Payload, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.ID != granted.ID {
		t.Errorf("view id = %s, want %s", view.ID, granted.ID)
	}
	if view.Address != "new.example.com" {
		t.Errorf("view address = %q", view.Address)
	}
}

func TestRelayLeavePushesPresenceDiff(t *testing.T) {
	f := newClientFixture(t)
	first := relayDescriptor(52.5, 13.4)
	second := relayDescriptor(48.9, 2.4)
	f.joinRelay(pubsub.GlobalRelaysTopic, first)
	f.joinRelay(pubsub.GlobalRelaysTopic, second)

	f.start(t)

	f.registry.Leave(context.Background(), pubsub.GlobalRelaysTopic, first.ID.String())

	env := f.conn.next(t, wire.EventRelaysPresence)
	var diff clientmsg.RelaysPresence
	if err := json.Unmarshal(env.Payload, &diff); err != nil {
		t.Fatalf("decode relays_presence: %v", err)
	}
	if len(diff.DisconnectedIDs) != 1 || diff.DisconnectedIDs[0] != first.ID {
		t.Errorf("disconnected_ids = %v, want [%s]", diff.DisconnectedIDs, first.ID)
	}
	for _, view := range diff.Connected {
		if view.ID == first.ID {
			t.Errorf("connected still lists departed relay %s", first.ID)
		}
	}
	if len(diff.Connected) == 0 {
		t.Error("connected list is empty with a relay still online")
	}
}

func TestCreateLogSinkFeatureGate(t *testing.T) {
	f := newClientFixture(t)
	f.start(t)

	ref := uint64(1)
	f.conn.send(t, wire.EventCreateLogSink, &ref, struct{}{})

	env := f.conn.next(t, wire.EventReply)
	var reply wire.Reply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != wire.StatusError || reply.Reason == nil || reply.Reason.Kind != wire.ReasonDisabled {
		t.Fatalf("reply = %+v, want error disabled", reply)
	}
}

func TestCreateLogSinkSignsURL(t *testing.T) {
	f := newClientFixture(t)
	f.subject.Account.Features.LogSink = true
	f.deps.LogSink = &fakeSigner{url: "https://logs.example.com/upload?token=abc"}
	f.start(t)

	ref := uint64(2)
	f.conn.send(t, wire.EventCreateLogSink, &ref, struct{}{})

	env := f.conn.next(t, wire.EventReply)
	var reply wire.Reply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != wire.StatusOK {
		t.Fatalf("status = %q, want ok", reply.Status)
	}
	var sink clientmsg.LogSink
	if err := json.Unmarshal(reply.Response, &sink); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sink.URL != "https://logs.example.com/upload?token=abc" {
		t.Errorf("url = %q", sink.URL)
	}
}

func TestRequestConnectionRefusalReachesClient(t *testing.T) {
	f := newClientFixture(t)
	f.broker.err = &broker.RefusedError{Reason: wire.Reason{
		Kind:               wire.ReasonForbidden,
		ViolatedProperties: []string{"remote_ip_location_region"},
	}}
	f.start(t)

	ref := uint64(3)
	f.conn.send(t, wire.EventRequestConnection, &ref, clientmsg.RequestConnection{
		ResourceID: uuid.New(),
		GatewayID:  uuid.New(),
	})

	env := f.conn.next(t, wire.EventReply)
	var reply wire.Reply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != wire.StatusError || reply.Reason == nil {
		t.Fatalf("reply = %+v, want error", reply)
	}
	if reply.Reason.Kind != wire.ReasonForbidden {
		t.Errorf("kind = %q, want forbidden", reply.Reason.Kind)
	}
	if len(reply.Reason.ViolatedProperties) != 1 || reply.Reason.ViolatedProperties[0] != "remote_ip_location_region" {
		t.Errorf("violated_properties = %v", reply.Reason.ViolatedProperties)
	}
}

func TestReuseConnectionSuccessRepliesConnect(t *testing.T) {
	f := newClientFixture(t)
	resourceID := uuid.New()
	f.broker.connect = &clientmsg.Connect{
		ResourceID:          resourceID,
		GatewayPublicKey:    "gw-pub",
		GatewayPayload:      json.RawMessage(`"FULL_RTC_SD"`),
		PersistentKeepalive: 25,
	}
	f.start(t)

	ref := uint64(4)
	f.conn.send(t, wire.EventReuseConnection, &ref, clientmsg.ReuseConnection{
		ResourceID: resourceID,
		GatewayID:  uuid.New(),
	})

	env := f.conn.next(t, wire.EventReply)
	var reply wire.Reply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != wire.StatusOK {
		t.Fatalf("status = %q, want ok", reply.Status)
	}
	var connect clientmsg.Connect
	if err := json.Unmarshal(reply.Response, &connect); err != nil {
		t.Fatalf("decode connect: %v", err)
	}
	if connect.PersistentKeepalive != 25 {
		t.Errorf("persistent_keepalive = %d, want 25", connect.PersistentKeepalive)
	}
	if connect.GatewayPublicKey != "gw-pub" {
		t.Errorf("gateway_public_key = %q", connect.GatewayPublicKey)
	}
}

func TestForcedDisconnectClosesSession(t *testing.T) {
	f := newClientFixture(t)
	f.start(t)

	f.bus.Publish(context.Background(), pubsub.NewEvent(
		pubsub.ClientSessionTopic(f.client.ID), pubsub.KindDisconnect,
		pubsub.Disconnect{Reason: wire.DisconnectShutdown}))

	env := f.conn.next(t, wire.EventDisconnect)
	var d wire.Disconnect
	if err := json.Unmarshal(env.Payload, &d); err != nil {
		t.Fatalf("decode disconnect: %v", err)
	}
	if d.Reason != wire.DisconnectShutdown {
		t.Errorf("reason = %q, want shutdown", d.Reason)
	}

	select {
	case <-f.done:
	case <-time.After(waitFor):
		t.Fatal("session did not stop after forced disconnect")
	}
}

func TestMalformedFrameClosesSession(t *testing.T) {
	f := newClientFixture(t)
	f.start(t)

	f.conn.in <- []byte(`{"event":"no_such_event","payload":{}}`)

	select {
	case err := <-f.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("session survived a malformed frame")
	}
}

func TestSessionLeavesPresenceOnClose(t *testing.T) {
	f := newClientFixture(t)
	f.start(t)

	topic := pubsub.ClientsTopic(f.accountID)
	if !f.registry.Online(topic, f.client.ID.String()) {
		t.Fatal("client not present after join")
	}

	f.conn.Close() //nolint:errcheck
	select {
	case <-f.done:
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}
	if f.registry.Online(topic, f.client.ID.String()) {
		t.Error("client still present after close")
	}
}
