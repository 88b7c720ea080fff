package resolver_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"

	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/resolver"
	"github.com/jmerrifield20/MeshPortal/internal/store"
)

type fakeResourceStore struct {
	mu        sync.Mutex
	resources []*store.Resource
	calls     int
}

func (f *fakeResourceStore) VisibleToActor(_ context.Context, _, _ uuid.UUID) ([]*store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]*store.Resource, len(f.resources))
	copy(out, f.resources)
	return out, nil
}

func (f *fakeResourceStore) set(resources ...*store.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources = resources
}

func (f *fakeResourceStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func dnsResource(name, address string) *store.Resource {
	return &store.Resource{
		ID:      uuid.New(),
		Type:    store.ResourceTypeDNS,
		Name:    name,
		Address: address,
		GatewayGroups: []store.GatewayGroup{
			{ID: uuid.New(), Name: "main"},
		},
	}
}

func newTracker(t *testing.T, fake *fakeResourceStore) *resolver.Tracker {
	t.Helper()
	v := version.Must(version.NewVersion("1.3.0"))
	return resolver.New(fake).Track(uuid.New(), uuid.New(), v)
}

func TestInitReturnsViewsSortedByName(t *testing.T) {
	fake := &fakeResourceStore{}
	fake.set(
		dnsResource("wiki", "wiki.corp.example.com"),
		dnsResource("api", "api.corp.example.com"),
		dnsResource("mail", "mail.corp.example.com"),
	)

	tracker := newTracker(t, fake)
	views, err := tracker.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("got %d views, want 3", len(views))
	}
	for i, want := range []string{"api", "mail", "wiki"} {
		if views[i].Name != want {
			t.Errorf("views[%d].Name = %q, want %q", i, views[i].Name, want)
		}
	}
}

func TestReactEmitsCreateForNewGrant(t *testing.T) {
	fake := &fakeResourceStore{}
	existing := dnsResource("wiki", "wiki.corp.example.com")
	fake.set(existing)

	tracker := newTracker(t, fake)
	if _, err := tracker.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	added := dnsResource("api", "api.corp.example.com")
	fake.set(existing, added)

	event := pubsub.NewEvent("events", pubsub.KindPolicyCreated, pubsub.PolicyChange{
		PolicyID:   uuid.New(),
		ResourceID: added.ID,
	})
	deltas, err := tracker.React(context.Background(), event)
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("got %d deltas, want 1", len(deltas))
	}
	if deltas[0].Kind != pubsub.KindResourceCreatedOrUpdated {
		t.Errorf("kind = %q, want %q", deltas[0].Kind, pubsub.KindResourceCreatedOrUpdated)
	}
	if deltas[0].View == nil || deltas[0].View.ID != added.ID {
		t.Errorf("delta view does not carry the new resource")
	}

	// Replaying the same event finds nothing new to push.
	deltas, err = tracker.React(context.Background(), event)
	if err != nil {
		t.Fatalf("React replay: %v", err)
	}
	if len(deltas) != 0 {
		t.Errorf("replay produced %d deltas, want 0", len(deltas))
	}
}

func TestReactEmitsDeleteForRevokedGrant(t *testing.T) {
	fake := &fakeResourceStore{}
	kept := dnsResource("wiki", "wiki.corp.example.com")
	revoked := dnsResource("api", "api.corp.example.com")
	fake.set(kept, revoked)

	tracker := newTracker(t, fake)
	if _, err := tracker.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	fake.set(kept)
	event := pubsub.NewEvent("events", pubsub.KindPolicyDeleted, pubsub.PolicyChange{
		PolicyID:   uuid.New(),
		ResourceID: revoked.ID,
	})
	deltas, err := tracker.React(context.Background(), event)
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("got %d deltas, want 1", len(deltas))
	}
	if deltas[0].Kind != pubsub.KindResourceDeleted || deltas[0].ID != revoked.ID {
		t.Errorf("got %s for %s, want %s for %s",
			deltas[0].Kind, deltas[0].ID, pubsub.KindResourceDeleted, revoked.ID)
	}
}

func TestPolicyRevocationWithSurvivingGrantReplaysResource(t *testing.T) {
	fake := &fakeResourceStore{}
	shared := dnsResource("wiki", "wiki.corp.example.com")
	fake.set(shared)

	tracker := newTracker(t, fake)
	if _, err := tracker.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// One of two granting policies goes away; the resource stays
	// visible. The client must still flush and re-learn it.
	event := pubsub.NewEvent("events", pubsub.KindPolicyDeleted, pubsub.PolicyChange{
		PolicyID:   uuid.New(),
		ResourceID: shared.ID,
	})
	deltas, err := tracker.React(context.Background(), event)
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("got %d deltas, want 2", len(deltas))
	}
	if deltas[0].Kind != pubsub.KindResourceDeleted || deltas[0].ID != shared.ID {
		t.Errorf("deltas[0] = %s %s, want delete of %s", deltas[0].Kind, deltas[0].ID, shared.ID)
	}
	if deltas[1].Kind != pubsub.KindResourceCreatedOrUpdated || deltas[1].View == nil || deltas[1].View.ID != shared.ID {
		t.Errorf("deltas[1] = %s, want create of %s", deltas[1].Kind, shared.ID)
	}
}

func TestMembershipChangeForOtherActorSkipsRecompute(t *testing.T) {
	fake := &fakeResourceStore{}
	fake.set(dnsResource("wiki", "wiki.corp.example.com"))

	tracker := newTracker(t, fake)
	if _, err := tracker.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	before := fake.callCount()

	event := pubsub.NewEvent("events", pubsub.KindMembershipAdded, pubsub.MembershipChange{
		GroupID: uuid.New(),
		ActorID: uuid.New(),
	})
	deltas, err := tracker.React(context.Background(), event)
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if len(deltas) != 0 {
		t.Errorf("got %d deltas, want 0", len(deltas))
	}
	if got := fake.callCount(); got != before {
		t.Errorf("store queried %d times, want %d", got, before)
	}
}

func TestMembershipChangeForOwnActorRecomputes(t *testing.T) {
	fake := &fakeResourceStore{}
	res := dnsResource("wiki", "wiki.corp.example.com")
	fake.set(res)

	accountID, actorID := uuid.New(), uuid.New()
	v := version.Must(version.NewVersion("1.3.0"))
	tracker := resolver.New(fake).Track(accountID, actorID, v)
	if _, err := tracker.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	fake.set()
	event := pubsub.NewEvent("events", pubsub.KindMembershipRemoved, pubsub.MembershipChange{
		GroupID: uuid.New(),
		ActorID: actorID,
	})
	deltas, err := tracker.React(context.Background(), event)
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Kind != pubsub.KindResourceDeleted {
		t.Fatalf("got %+v, want a single delete", deltas)
	}
}

func TestResourceUpdateEmitsCreateWithoutDelete(t *testing.T) {
	fake := &fakeResourceStore{}
	res := dnsResource("wiki", "wiki.corp.example.com")
	fake.set(res)

	tracker := newTracker(t, fake)
	if _, err := tracker.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	renamed := *res
	renamed.Name = "wiki-v2"
	fake.set(&renamed)

	event := pubsub.NewEvent("events", pubsub.KindResourceCreatedOrUpdated, pubsub.ResourceChange{
		ResourceID: res.ID,
	})
	deltas, err := tracker.React(context.Background(), event)
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("got %d deltas, want 1", len(deltas))
	}
	if deltas[0].Kind != pubsub.KindResourceCreatedOrUpdated {
		t.Errorf("kind = %q, want %q", deltas[0].Kind, pubsub.KindResourceCreatedOrUpdated)
	}
	if deltas[0].View == nil || deltas[0].View.Name != "wiki-v2" {
		t.Errorf("delta view does not carry the rename")
	}
}

func TestReactIgnoresUnrelatedKinds(t *testing.T) {
	fake := &fakeResourceStore{}
	fake.set(dnsResource("wiki", "wiki.corp.example.com"))

	tracker := newTracker(t, fake)
	if _, err := tracker.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	before := fake.callCount()

	deltas, err := tracker.React(context.Background(), pubsub.Event{Kind: pubsub.KindPresenceSync})
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if len(deltas) != 0 || fake.callCount() != before {
		t.Errorf("unrelated event triggered work: %d deltas, %d calls", len(deltas), fake.callCount()-before)
	}
}
