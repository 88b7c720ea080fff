// Package resolver computes the set of resources each client session
// may see and turns entity-change events into the per-session deltas
// that keep connected clients converged.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"

	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/store"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
)

// resourceStore is the slice of the store the resolver reads.
// *store.ResourceRepository satisfies this interface.
type resourceStore interface {
	VisibleToActor(ctx context.Context, accountID, actorID uuid.UUID) ([]*store.Resource, error)
}

// Resolver renders visible resource sets. One instance serves every
// session on the node; per-session state lives in Trackers.
type Resolver struct {
	resources resourceStore
}

// New creates a Resolver.
func New(resources resourceStore) *Resolver {
	return &Resolver{resources: resources}
}

// Track opens delta tracking for one client session.
func (r *Resolver) Track(accountID, actorID uuid.UUID, client *version.Version) *Tracker {
	return &Tracker{
		resolver:  r,
		accountID: accountID,
		actorID:   actorID,
		client:    client,
		known:     make(map[uuid.UUID]wire.ResourceView),
	}
}

// Tracker holds the views one client session has been told about and
// derives the deltas each entity change implies. Not safe for
// concurrent use; sessions drive it from their event loop.
type Tracker struct {
	resolver  *Resolver
	accountID uuid.UUID
	actorID   uuid.UUID
	client    *version.Version
	known     map[uuid.UUID]wire.ResourceView
}

// Delta is one push a client needs to converge on the new set.
type Delta struct {
	Kind string
	ID   uuid.UUID
	View *wire.ResourceView
}

// Init computes the initial visible set. Views are sorted by name so
// the init payload is stable across reconnects.
func (t *Tracker) Init(ctx context.Context) ([]wire.ResourceView, error) {
	views, err := t.visible(ctx)
	if err != nil {
		return nil, err
	}
	t.known = views

	list := make([]wire.ResourceView, 0, len(views))
	for _, view := range views {
		list = append(list, view)
	}
	slices.SortFunc(list, func(a, b wire.ResourceView) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return list, nil
}

// React recomputes the visible set if the event can affect this
// session and returns the pushes required. Membership events for
// other actors are skipped without a database round trip.
//
// Revoking one of several policies granting the same resource yields
// a delete immediately followed by a create, so the client drops
// flows authorized under the revoked policy and re-learns the
// resource through the surviving one.
func (t *Tracker) React(ctx context.Context, event pubsub.Event) ([]Delta, error) {
	switch event.Kind {
	case pubsub.KindMembershipAdded, pubsub.KindMembershipRemoved:
		var change pubsub.MembershipChange
		if err := json.Unmarshal(event.Payload, &change); err != nil {
			return nil, fmt.Errorf("decode membership change: %w", err)
		}
		if change.ActorID != t.actorID {
			return nil, nil
		}
	case pubsub.KindResourceCreatedOrUpdated, pubsub.KindResourceDeleted,
		pubsub.KindPolicyCreated, pubsub.KindPolicyUpdated,
		pubsub.KindPolicyDisabled, pubsub.KindPolicyEnabled,
		pubsub.KindPolicyDeleted:
	default:
		return nil, nil
	}

	next, err := t.visible(ctx)
	if err != nil {
		return nil, err
	}

	var relearn uuid.UUID
	if event.Kind == pubsub.KindPolicyDeleted || event.Kind == pubsub.KindPolicyDisabled {
		var change pubsub.PolicyChange
		if err := json.Unmarshal(event.Payload, &change); err != nil {
			return nil, fmt.Errorf("decode policy change: %w", err)
		}
		_, was := t.known[change.ResourceID]
		_, still := next[change.ResourceID]
		if was && still {
			relearn = change.ResourceID
		}
	}

	deltas := t.diff(next, relearn)
	t.known = next
	return deltas, nil
}

func (t *Tracker) diff(next map[uuid.UUID]wire.ResourceView, relearn uuid.UUID) []Delta {
	var deleted []Delta
	for id := range t.known {
		if _, ok := next[id]; !ok {
			deleted = append(deleted, Delta{Kind: pubsub.KindResourceDeleted, ID: id})
		}
	}
	var created []Delta
	for id, view := range next {
		if id == relearn {
			continue
		}
		old, ok := t.known[id]
		if !ok || !viewsEqual(old, view) {
			created = append(created, Delta{Kind: pubsub.KindResourceCreatedOrUpdated, ID: id, View: &view})
		}
	}
	slices.SortFunc(deleted, compareDeltaIDs)
	slices.SortFunc(created, compareDeltaIDs)

	deltas := append(deleted, created...)
	if relearn != uuid.Nil {
		view := next[relearn]
		deltas = append(deltas,
			Delta{Kind: pubsub.KindResourceDeleted, ID: relearn},
			Delta{Kind: pubsub.KindResourceCreatedOrUpdated, ID: relearn, View: &view})
	}
	return deltas
}

func (t *Tracker) visible(ctx context.Context) (map[uuid.UUID]wire.ResourceView, error) {
	resources, err := t.resolver.resources.VisibleToActor(ctx, t.accountID, t.actorID)
	if err != nil {
		return nil, fmt.Errorf("load visible resources: %w", err)
	}
	views := make(map[uuid.UUID]wire.ResourceView, len(resources))
	for _, res := range resources {
		view, ok := RenderView(res, t.client)
		if !ok {
			continue
		}
		views[view.ID] = view
	}
	return views, nil
}

func viewsEqual(a, b wire.ResourceView) bool {
	return a.ID == b.ID &&
		a.Type == b.Type &&
		a.Name == b.Name &&
		a.Address == b.Address &&
		a.AddressDescription == b.AddressDescription &&
		slices.Equal(a.GatewayGroups, b.GatewayGroups) &&
		slices.Equal(a.Filters, b.Filters)
}

func compareDeltaIDs(a, b Delta) int {
	return bytes.Compare(a.ID[:], b.ID[:])
}
