package relaypool

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jmerrifield20/MeshPortal/internal/presence"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
)

type fakePresence struct {
	topics map[string]map[string][]presence.Meta
}

func (f *fakePresence) List(topic string) map[string][]presence.Meta {
	return f.topics[topic]
}

func (f *fakePresence) add(topic string, d Descriptor) {
	if f.topics == nil {
		f.topics = make(map[string]map[string][]presence.Meta)
	}
	if f.topics[topic] == nil {
		f.topics[topic] = make(map[string][]presence.Meta)
	}
	meta := EncodeMeta(d, uuid.New(), d.LastSeenAt)
	f.topics[topic][d.ID.String()] = []presence.Meta{meta}
}

func v4(s string) *netip.Addr {
	a := netip.MustParseAddr(s)
	return &a
}

func ptr(f float64) *float64 { return &f }

func relayAt(lat, lon float64, seen time.Time) Descriptor {
	return Descriptor{
		ID:          uuid.New(),
		IPv4:        v4("203.0.113.1"),
		Port:        3478,
		Lat:         lat,
		Lon:         lon,
		StampSecret: "secret",
		LastSeenAt:  seen,
	}
}

func TestPickOrdersByDistance(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()
	accountID := uuid.New()

	fake := &fakePresence{}
	berlin := relayAt(52.52, 13.40, now)
	lisbon := relayAt(38.72, -9.14, now)
	tokyo := relayAt(35.68, 139.69, now)
	fake.add(pubsub.RelaysTopic(accountID), tokyo)
	fake.add(pubsub.RelaysTopic(accountID), berlin)
	fake.add(pubsub.RelaysTopic(accountID), lisbon)

	pool := NewPool(fake, clock, 3, 0)

	// A client in Paris should see Berlin before Lisbon before Tokyo.
	got := pool.Pick(accountID, ptr(48.85), ptr(2.35))
	if len(got) != 3 {
		t.Fatalf("got %d relays, want 3", len(got))
	}
	want := []uuid.UUID{berlin.ID, lisbon.ID, tokyo.ID}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestPickCapsAtConfiguredCount(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()
	accountID := uuid.New()

	fake := &fakePresence{}
	for i := 0; i < 5; i++ {
		fake.add(pubsub.RelaysTopic(accountID), relayAt(52.52, 13.40, now))
	}

	pool := NewPool(fake, clock, 0, 0) // default pick
	if got := pool.Pick(accountID, ptr(48.85), ptr(2.35)); len(got) != DefaultPick {
		t.Errorf("got %d relays, want %d", len(got), DefaultPick)
	}
}

func TestPickMergesAccountAndGlobalPools(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()
	accountID := uuid.New()

	fake := &fakePresence{}
	dedicated := relayAt(52.52, 13.40, now)
	global := relayAt(38.72, -9.14, now)
	fake.add(pubsub.RelaysTopic(accountID), dedicated)
	fake.add(pubsub.GlobalRelaysTopic, global)

	pool := NewPool(fake, clock, 5, 0)
	got := pool.Pick(accountID, ptr(48.85), ptr(2.35))
	if len(got) != 2 {
		t.Fatalf("got %d relays, want dedicated and global", len(got))
	}
}

func TestPickFiltersStaleRelays(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()
	accountID := uuid.New()

	fake := &fakePresence{}
	fresh := relayAt(52.52, 13.40, now)
	stale := relayAt(38.72, -9.14, now.Add(-10*time.Minute))
	fake.add(pubsub.RelaysTopic(accountID), fresh)
	fake.add(pubsub.RelaysTopic(accountID), stale)

	pool := NewPool(fake, clock, 5, 0)
	got := pool.Pick(accountID, ptr(48.85), ptr(2.35))
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Errorf("got %v, want only the fresh relay", got)
	}
}

func TestPickWithoutClientGeoPrefersRecent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()
	accountID := uuid.New()

	fake := &fakePresence{}
	older := relayAt(52.52, 13.40, now.Add(-time.Minute))
	newer := relayAt(35.68, 139.69, now)
	fake.add(pubsub.RelaysTopic(accountID), older)
	fake.add(pubsub.RelaysTopic(accountID), newer)

	pool := NewPool(fake, clock, 5, 0)
	got := pool.Pick(accountID, nil, nil)
	if len(got) != 2 || got[0].ID != newer.ID {
		t.Errorf("got %v, want the most recently seen relay first", got)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Paris to Berlin is roughly 878 km.
	got := haversineKm(48.85, 2.35, 52.52, 13.40)
	if got < 850 || got > 900 {
		t.Errorf("distance = %f km, want ~878", got)
	}
	if d := haversineKm(48.85, 2.35, 48.85, 2.35); d != 0 {
		t.Errorf("distance to self = %f, want 0", d)
	}
}

func TestViewsMintTURNCredentials(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pool := NewPool(&fakePresence{}, clock, 0, 0)

	v6addr := netip.MustParseAddr("2001:db8::1")
	relay := Descriptor{
		ID:          uuid.New(),
		IPv4:        v4("203.0.113.1"),
		IPv6:        &v6addr,
		Port:        3478,
		StampSecret: "stamp",
	}
	clientID := uuid.New()
	expiresAt := clock.Now().Add(time.Hour)

	views := pool.Views([]Descriptor{relay}, clientID, expiresAt)
	if len(views) != 2 {
		t.Fatalf("got %d views for a dual-stack relay, want 2", len(views))
	}
	for _, view := range views {
		if view.Type != wire.RelayTypeTURN {
			t.Errorf("type = %q, want turn", view.Type)
		}
		if view.Username == "" || view.Password == "" {
			t.Error("TURN view missing credentials")
		}
		if view.ExpiresAt != expiresAt.Unix() {
			t.Errorf("expires_at = %d, want %d", view.ExpiresAt, expiresAt.Unix())
		}
	}
	if views[0].Addr != "203.0.113.1:3478" {
		t.Errorf("v4 addr = %q", views[0].Addr)
	}
	if views[1].Addr != "[2001:db8::1]:3478" {
		t.Errorf("v6 addr = %q", views[1].Addr)
	}
}

func TestViewsWithoutSecretAreSTUN(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pool := NewPool(&fakePresence{}, clock, 0, 0)

	relay := Descriptor{ID: uuid.New(), IPv4: v4("203.0.113.1")}
	views := pool.Views([]Descriptor{relay}, uuid.New(), time.Time{})
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1", len(views))
	}
	if views[0].Type != wire.RelayTypeSTUN {
		t.Errorf("type = %q, want stun", views[0].Type)
	}
	if views[0].Username != "" || views[0].Password != "" {
		t.Error("STUN view must not carry credentials")
	}
	if views[0].Addr != "203.0.113.1:3478" {
		t.Errorf("addr = %q, want the default port", views[0].Addr)
	}
}

func TestDeriveCredentialsShape(t *testing.T) {
	clientID := uuid.New()
	expiresAt := time.Unix(1700000000, 0)

	username, password := deriveCredentials("stamp", clientID, expiresAt)

	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		t.Fatalf("username = %q, want expiry:salt", username)
	}
	if parts[0] != "1700000000" {
		t.Errorf("expiry part = %q", parts[0])
	}
	if len(parts[1]) != 8 {
		t.Errorf("salt length = %d, want 8", len(parts[1]))
	}

	// Stable for the same inputs, different per client.
	u2, p2 := deriveCredentials("stamp", clientID, expiresAt)
	if u2 != username || p2 != password {
		t.Error("credentials not deterministic")
	}
	u3, _ := deriveCredentials("stamp", uuid.New(), expiresAt)
	if u3 == username {
		t.Error("two clients share a username")
	}
	_, p4 := deriveCredentials("other-stamp", clientID, expiresAt)
	if p4 == password {
		t.Error("two stamp secrets share a password")
	}
}
