package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/presence"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinThenList(t *testing.T) {
	bus := pubsub.NewBus(zap.NewNop())
	registry := presence.NewRegistry(bus, clockwork.NewFakeClock(), zap.NewNop())

	topic := pubsub.GatewaysTopic(uuid.New())
	key := uuid.NewString()
	registry.Join(context.Background(), topic, key, presence.Meta{SessionID: uuid.New()})

	if !registry.Online(topic, key) {
		t.Error("joined key reported offline")
	}
	metas := registry.List(topic)
	if len(metas[key]) != 1 {
		t.Errorf("got %d metas, want 1", len(metas[key]))
	}
	if got := registry.Count(topic); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
}

func TestLeaveRemovesLease(t *testing.T) {
	bus := pubsub.NewBus(zap.NewNop())
	registry := presence.NewRegistry(bus, clockwork.NewFakeClock(), zap.NewNop())
	ctx := context.Background()

	topic := pubsub.ClientsTopic(uuid.New())
	key := uuid.NewString()
	registry.Join(ctx, topic, key, presence.Meta{})
	registry.Leave(ctx, topic, key)

	if registry.Online(topic, key) {
		t.Error("left key reported online")
	}
	// Leaving twice is harmless.
	registry.Leave(ctx, topic, key)
}

func TestWatcherSeesJoinAndLeave(t *testing.T) {
	bus := pubsub.NewBus(zap.NewNop())
	registry := presence.NewRegistry(bus, clockwork.NewFakeClock(), zap.NewNop())
	ctx := context.Background()

	topic := pubsub.RelaysTopic(uuid.New())
	watcher := registry.Watch(topic)
	defer watcher.Close()

	key := uuid.NewString()
	registry.Join(ctx, topic, key, presence.Meta{})
	registry.Leave(ctx, topic, key)

	join := <-watcher.Events()
	if join.Type != presence.EventJoin || join.Key != key {
		t.Errorf("first event = %+v, want join of %s", join, key)
	}
	leave := <-watcher.Events()
	if leave.Type != presence.EventLeave || leave.Key != key {
		t.Errorf("second event = %+v, want leave of %s", leave, key)
	}
}

func TestWatcherIgnoresOtherTopics(t *testing.T) {
	bus := pubsub.NewBus(zap.NewNop())
	registry := presence.NewRegistry(bus, clockwork.NewFakeClock(), zap.NewNop())

	watcher := registry.Watch("clients:a")
	defer watcher.Close()

	registry.Join(context.Background(), "clients:b", "key", presence.Meta{})

	select {
	case event := <-watcher.Events():
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoteJoinIsMirrored(t *testing.T) {
	// Two registries share one bus, standing in for two instances
	// joined by the Postgres bridge.
	bus := pubsub.NewBus(zap.NewNop())
	clock := clockwork.NewFakeClock()
	a := presence.NewRegistry(bus, clock, zap.NewNop())
	b := presence.NewRegistry(bus, clock, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	topic := pubsub.GlobalRelaysTopic
	key := uuid.NewString()
	a.Join(ctx, topic, key, presence.Meta{})

	waitFor(t, "remote join", func() bool { return b.Online(topic, key) })

	a.Leave(ctx, topic, key)
	waitFor(t, "remote leave", func() bool { return !b.Online(topic, key) })
}

func TestKeyOnlineThroughTwoInstances(t *testing.T) {
	bus := pubsub.NewBus(zap.NewNop())
	clock := clockwork.NewFakeClock()
	a := presence.NewRegistry(bus, clock, zap.NewNop())
	b := presence.NewRegistry(bus, clock, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	topic := pubsub.GatewaysTopic(uuid.New())
	key := uuid.NewString()
	a.Join(ctx, topic, key, presence.Meta{})
	b.Join(ctx, topic, key, presence.Meta{})

	waitFor(t, "two metas on a", func() bool { return len(a.List(topic)[key]) == 2 })

	// Dropping one lease keeps the key online.
	b.Leave(ctx, topic, key)
	waitFor(t, "one meta on a", func() bool { return len(a.List(topic)[key]) == 1 })
	if !a.Online(topic, key) {
		t.Error("key went offline while still holding a lease")
	}
}

func TestSilentInstanceLosesItsLeases(t *testing.T) {
	bus := pubsub.NewBus(zap.NewNop())
	clock := clockwork.NewFakeClock()
	a := presence.NewRegistry(bus, clock, zap.NewNop())
	b := presence.NewRegistry(bus, clock, zap.NewNop())

	actx, cancelA := context.WithCancel(context.Background())
	bctx, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	go a.Run(actx)
	go b.Run(bctx)

	topic := pubsub.ClientsTopic(uuid.New())
	key := uuid.NewString()
	a.Join(actx, topic, key, presence.Meta{})
	waitFor(t, "remote join", func() bool { return b.Online(topic, key) })

	// Instance a dies without leaving.
	cancelA()

	// b keeps ticking; once a misses the liveness window its leases
	// are swept.
	for i := 0; i < 5; i++ {
		clock.Advance(15 * time.Second)
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, "stale lease sweep", func() bool { return !b.Online(topic, key) })
}
