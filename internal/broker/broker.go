// Package broker is the request/response correlation engine between
// client and gateway sessions. RPCs authorize against policies, pick
// a gateway, write the flow record, then relay the request over the
// bus and await the gateway's answer, so correlation works the same
// whether both sessions live on one instance or two.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/MeshPortal/internal/auth"
	"github.com/jmerrifield20/MeshPortal/internal/policy"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
	"github.com/jmerrifield20/MeshPortal/internal/resolver"
	"github.com/jmerrifield20/MeshPortal/internal/store"
	"github.com/jmerrifield20/MeshPortal/internal/wire"
	clientmsg "github.com/jmerrifield20/MeshPortal/internal/wire/client"
	gatewaymsg "github.com/jmerrifield20/MeshPortal/internal/wire/gateway"
)

// DefaultTimeout bounds the wait for a gateway's answer. On expiry
// the client gets an offline error and any late reply is dropped.
const DefaultTimeout = 30 * time.Second

// persistentKeepalive is the interval in seconds advertised to both
// tunnel ends.
const persistentKeepalive = 25

// RefusedError is returned when an RPC must be answered with an error
// reply. Anything else coming out of the broker is an internal fault.
type RefusedError struct {
	Reason wire.Reason
}

func (e *RefusedError) Error() string { return "broker: refused: " + e.Reason.Kind }

func refuse(kind string) error {
	return &RefusedError{Reason: wire.Reason{Kind: kind}}
}

// resourceStore is the slice of the store the broker authorizes
// against. *store.ResourceRepository satisfies this interface.
type resourceStore interface {
	GetByID(ctx context.Context, accountID, id uuid.UUID) (*store.Resource, error)
	PoliciesGranting(ctx context.Context, accountID, actorID, resourceID uuid.UUID) ([]*store.Policy, error)
	GatewayGroupIDs(ctx context.Context, resourceID uuid.UUID) ([]uuid.UUID, error)
}

// gatewayStore looks up brokered counterparts.
// *store.GatewayRepository satisfies this interface.
type gatewayStore interface {
	GetByID(ctx context.Context, accountID, id uuid.UUID) (*store.Gateway, error)
	ListByGroups(ctx context.Context, accountID uuid.UUID, groupIDs []uuid.UUID) ([]*store.Gateway, error)
}

// flowStore records authorizations. *store.FlowRepository satisfies
// this interface.
type flowStore interface {
	Create(ctx context.Context, f *store.Flow) error
}

// presenceRegistry answers whether a counterpart is online.
// *presence.Registry satisfies this interface.
type presenceRegistry interface {
	Online(topic, key string) bool
}

// bus is the slice of the pubsub layer the broker routes over.
// *pubsub.Bus and *pubsub.PostgresBus satisfy this interface.
type bus interface {
	Publish(ctx context.Context, event pubsub.Event)
	Subscribe(topics ...string) *pubsub.Subscription
}

// Broker authorizes and correlates brokered connections.
type Broker struct {
	resources resourceStore
	gateways  gatewayStore
	flows     flowStore
	online    presenceRegistry
	bus       bus
	clock     clockwork.Clock
	timeout   time.Duration
	logger    *zap.Logger

	record func(rpc, outcome string)
}

// New creates a Broker with the default reply timeout.
func New(resources resourceStore, gateways gatewayStore, flows flowStore, online presenceRegistry, b bus, clock clockwork.Clock, logger *zap.Logger) *Broker {
	return &Broker{
		resources: resources,
		gateways:  gateways,
		flows:     flows,
		online:    online,
		bus:       b,
		clock:     clock,
		timeout:   DefaultTimeout,
		logger:    logger,
	}
}

// SetTimeout overrides the reply timeout.
func (b *Broker) SetTimeout(d time.Duration) {
	if d > 0 {
		b.timeout = d
	}
}

// SetMetricsRecorder configures a callback observing every RPC and
// its outcome: "ok", a refusal kind, or "error".
func (b *Broker) SetMetricsRecorder(fn func(rpc, outcome string)) {
	b.record = fn
}

// PrepareConnection picks the gateway that should serve a resource.
// Invisible resources answer not_found rather than leaking whether
// they exist; a visible resource without a usable gateway answers
// offline.
func (b *Broker) PrepareConnection(ctx context.Context, sub *auth.Subject, clnt *store.Client, clientVersion *version.Version, msg clientmsg.PrepareConnection) (*clientmsg.ConnectionDetails, error) {
	details, err := b.prepareConnection(ctx, sub, clnt, clientVersion, msg)
	b.observe(wire.EventPrepareConnection, err)
	return details, err
}

func (b *Broker) prepareConnection(ctx context.Context, sub *auth.Subject, clnt *store.Client, clientVersion *version.Version, msg clientmsg.PrepareConnection) (*clientmsg.ConnectionDetails, error) {
	policies, err := b.resources.PoliciesGranting(ctx, sub.Account.ID, sub.Actor.ID, msg.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("load granting policies: %w", err)
	}
	if len(policies) == 0 {
		return nil, refuse(wire.ReasonNotFound)
	}

	res, err := b.resources.GetByID(ctx, sub.Account.ID, msg.ResourceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, refuse(wire.ReasonNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load resource: %w", err)
	}

	eligible, err := b.eligibleGateways(ctx, sub.Account.ID, res, clientVersion)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, refuse(wire.ReasonOffline)
	}

	chosen := pickGateway(clnt.ID, eligible, msg.ConnectedGatewayIDs)
	remoteIP := ""
	if chosen.LastSeenRemoteIP != nil {
		remoteIP = chosen.LastSeenRemoteIP.String()
	}
	return &clientmsg.ConnectionDetails{
		GatewayID:       chosen.ID,
		GatewayRemoteIP: remoteIP,
		ResourceID:      res.ID,
	}, nil
}

// ReuseConnection authorizes one more resource over a tunnel the
// client already holds and relays allow_access to the gateway.
func (b *Broker) ReuseConnection(ctx context.Context, sub *auth.Subject, clnt *store.Client, msg clientmsg.ReuseConnection) (*clientmsg.Connect, error) {
	connect, err := b.reuseConnection(ctx, sub, clnt, msg)
	b.observe(wire.EventReuseConnection, err)
	return connect, err
}

func (b *Broker) reuseConnection(ctx context.Context, sub *auth.Subject, clnt *store.Client, msg clientmsg.ReuseConnection) (*clientmsg.Connect, error) {
	gw, granted, err := b.authorize(ctx, sub, msg.ResourceID, msg.GatewayID)
	if err != nil {
		return nil, err
	}
	if err := b.recordFlow(ctx, sub, clnt, gw, granted); err != nil {
		return nil, err
	}

	reply, err := b.dispatch(ctx, gw.ID, pubsub.KindAllowAccess, gatewaymsg.AllowAccess{
		ResourceID:             msg.ResourceID,
		ClientID:               clnt.ID,
		ClientPayload:          msg.Payload,
		AuthorizationExpiresAt: expiresUnix(sub),
	})
	if err != nil {
		return nil, err
	}
	return connectFromReply(reply), nil
}

// RequestConnection brokers a fresh tunnel: the gateway receives the
// client's peer details, payload and preshared key, and its connect
// answer is returned to the client.
func (b *Broker) RequestConnection(ctx context.Context, sub *auth.Subject, clnt *store.Client, msg clientmsg.RequestConnection) (*clientmsg.Connect, error) {
	connect, err := b.requestConnection(ctx, sub, clnt, msg)
	b.observe(wire.EventRequestConnection, err)
	return connect, err
}

func (b *Broker) requestConnection(ctx context.Context, sub *auth.Subject, clnt *store.Client, msg clientmsg.RequestConnection) (*clientmsg.Connect, error) {
	gw, granted, err := b.authorize(ctx, sub, msg.ResourceID, msg.GatewayID)
	if err != nil {
		return nil, err
	}
	if err := b.recordFlow(ctx, sub, clnt, gw, granted); err != nil {
		return nil, err
	}

	peer := wire.PeerView{
		PersistentKeepalive: persistentKeepalive,
		PublicKey:           clnt.PublicKey,
	}
	if clnt.IPv4 != nil {
		peer.IPv4 = *clnt.IPv4
	}
	if clnt.IPv6 != nil {
		peer.IPv6 = *clnt.IPv6
	}

	reply, err := b.dispatch(ctx, gw.ID, pubsub.KindRequestConnection, gatewaymsg.RequestConnection{
		ResourceID:             msg.ResourceID,
		ClientID:               clnt.ID,
		Peer:                   peer,
		ClientPayload:          msg.ClientPayload,
		ClientPresharedKey:     msg.ClientPresharedKey,
		AuthorizationExpiresAt: expiresUnix(sub),
	})
	if err != nil {
		return nil, err
	}
	return connectFromReply(reply), nil
}

// BroadcastICECandidates delivers a client's candidates to the listed
// gateway sessions. Empty lists are a no-op.
func (b *Broker) BroadcastICECandidates(ctx context.Context, clientID uuid.UUID, gatewayIDs []uuid.UUID, candidates []string) {
	if len(candidates) == 0 || len(gatewayIDs) == 0 {
		return
	}
	for _, gatewayID := range gatewayIDs {
		b.bus.Publish(ctx, pubsub.NewEvent(pubsub.GatewaySessionTopic(gatewayID), pubsub.KindICECandidates,
			gatewaymsg.ICECandidates{ClientID: clientID, Candidates: candidates}))
	}
}

// BroadcastInvalidatedICECandidates retracts candidates a client
// withdrew. Empty lists are a no-op.
func (b *Broker) BroadcastInvalidatedICECandidates(ctx context.Context, clientID uuid.UUID, gatewayIDs []uuid.UUID, candidates []string) {
	if len(candidates) == 0 || len(gatewayIDs) == 0 {
		return
	}
	for _, gatewayID := range gatewayIDs {
		b.bus.Publish(ctx, pubsub.NewEvent(pubsub.GatewaySessionTopic(gatewayID), pubsub.KindInvalidateICECandidates,
			gatewaymsg.InvalidateICECandidates{ClientID: clientID, Candidates: candidates}))
	}
}

// ForwardICECandidates delivers a gateway's candidates to the listed
// client sessions. Empty lists are a no-op.
func (b *Broker) ForwardICECandidates(ctx context.Context, gatewayID uuid.UUID, clientIDs []uuid.UUID, candidates []string) {
	if len(candidates) == 0 || len(clientIDs) == 0 {
		return
	}
	for _, clientID := range clientIDs {
		b.bus.Publish(ctx, pubsub.NewEvent(pubsub.ClientSessionTopic(clientID), pubsub.KindICECandidates,
			clientmsg.ICECandidates{GatewayID: gatewayID, Candidates: candidates}))
	}
}

// ForwardInvalidatedICECandidates retracts candidates a gateway
// withdrew. Empty lists are a no-op.
func (b *Broker) ForwardInvalidatedICECandidates(ctx context.Context, gatewayID uuid.UUID, clientIDs []uuid.UUID, candidates []string) {
	if len(candidates) == 0 || len(clientIDs) == 0 {
		return
	}
	for _, clientID := range clientIDs {
		b.bus.Publish(ctx, pubsub.NewEvent(pubsub.ClientSessionTopic(clientID), pubsub.KindInvalidateICECandidates,
			clientmsg.InvalidateICECandidates{GatewayID: gatewayID, Candidates: candidates}))
	}
}

// authorize runs the shared policy and gateway checks for the two
// brokering RPCs. A missing, deleted, or foreign gateway and a
// gateway outside the resource's groups all answer not_found; only a
// known-good but absent gateway answers offline.
func (b *Broker) authorize(ctx context.Context, sub *auth.Subject, resourceID, gatewayID uuid.UUID) (*store.Gateway, *store.Policy, error) {
	policies, err := b.resources.PoliciesGranting(ctx, sub.Account.ID, sub.Actor.ID, resourceID)
	if err != nil {
		return nil, nil, fmt.Errorf("load granting policies: %w", err)
	}
	if len(policies) == 0 {
		return nil, nil, refuse(wire.ReasonNotFound)
	}

	granted, violated := conformingPolicy(policies, policyContext(sub), b.clock.Now())
	if granted == nil {
		return nil, nil, &RefusedError{Reason: wire.Reason{
			Kind:               wire.ReasonForbidden,
			ViolatedProperties: violated,
		}}
	}

	gw, err := b.gateways.GetByID(ctx, sub.Account.ID, gatewayID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, refuse(wire.ReasonNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load gateway: %w", err)
	}

	groupIDs, err := b.resources.GatewayGroupIDs(ctx, resourceID)
	if err != nil {
		return nil, nil, fmt.Errorf("load resource groups: %w", err)
	}
	if !slices.Contains(groupIDs, gw.GroupID) {
		return nil, nil, refuse(wire.ReasonNotFound)
	}

	if !b.online.Online(pubsub.GatewaysTopic(sub.Account.ID), gw.ID.String()) {
		return nil, nil, refuse(wire.ReasonOffline)
	}
	return gw, granted, nil
}

func (b *Broker) eligibleGateways(ctx context.Context, accountID uuid.UUID, res *store.Resource, clientVersion *version.Version) ([]*store.Gateway, error) {
	groupIDs, err := b.resources.GatewayGroupIDs(ctx, res.ID)
	if err != nil {
		return nil, fmt.Errorf("load resource groups: %w", err)
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}
	gateways, err := b.gateways.ListByGroups(ctx, accountID, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("list gateways: %w", err)
	}

	constraints := []version.Constraints{resolver.GatewayConstraint(clientVersion)}
	if c, ok := resolver.AddressConstraint(res.Address); ok {
		constraints = append(constraints, c)
	}

	topic := pubsub.GatewaysTopic(accountID)
	eligible := gateways[:0]
	for _, gw := range gateways {
		if !b.online.Online(topic, gw.ID.String()) {
			continue
		}
		if !resolver.Compatible(gw.LastSeenVersion, constraints...) {
			continue
		}
		eligible = append(eligible, gw)
	}
	return eligible, nil
}

// dispatch relays one brokered request to a gateway session and waits
// for the correlated reply. The reply topic is subscribed before the
// request is published so the answer cannot slip past.
func (b *Broker) dispatch(ctx context.Context, gatewayID uuid.UUID, kind string, message any) (*RoutedReply, error) {
	requestID := uuid.New()
	sub := b.bus.Subscribe(pubsub.BrokerReplyTopic(requestID))
	defer sub.Close()

	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode brokered request: %w", err)
	}
	b.bus.Publish(ctx, pubsub.NewEvent(pubsub.GatewaySessionTopic(gatewayID), kind,
		RoutedRequest{RequestID: requestID, Message: raw}))

	timeout := b.clock.After(b.timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			b.logger.Warn("brokered request timed out",
				zap.String("gateway_id", gatewayID.String()),
				zap.String("kind", kind))
			return nil, refuse(wire.ReasonOffline)
		case event := <-sub.Events():
			if event.Kind != pubsub.KindConnect {
				continue
			}
			var reply RoutedReply
			if err := json.Unmarshal(event.Payload, &reply); err != nil {
				return nil, fmt.Errorf("decode brokered reply: %w", err)
			}
			return &reply, nil
		}
	}
}

func (b *Broker) recordFlow(ctx context.Context, sub *auth.Subject, clnt *store.Client, gw *store.Gateway, granted *store.Policy) error {
	flow := &store.Flow{
		AccountID:  sub.Account.ID,
		ClientID:   clnt.ID,
		GatewayID:  gw.ID,
		PolicyID:   granted.ID,
		ResourceID: granted.ResourceID,
		TokenID:    sub.TokenID,
		ExpiresAt:  sub.ExpiresAt,
	}
	if sub.Context.RemoteIP.IsValid() {
		ip := sub.Context.RemoteIP
		flow.ClientRemoteIP = &ip
	}
	flow.GatewayRemoteIP = gw.LastSeenRemoteIP
	if err := b.flows.Create(ctx, flow); err != nil {
		return fmt.Errorf("record flow: %w", err)
	}
	return nil
}

func (b *Broker) observe(rpc string, err error) {
	if b.record == nil {
		return
	}
	var refused *RefusedError
	switch {
	case err == nil:
		b.record(rpc, "ok")
	case errors.As(err, &refused):
		b.record(rpc, refused.Reason.Kind)
	default:
		b.record(rpc, "error")
	}
}

// conformingPolicy returns the first policy whose conditions admit
// the context. When none does, the violated properties of every
// candidate are reported, deduplicated in first-failure order.
func conformingPolicy(policies []*store.Policy, pctx policy.Context, now time.Time) (*store.Policy, []string) {
	var violated []string
	seen := make(map[string]bool)
	for _, p := range policies {
		failed := policy.Conforms(p.Conditions, pctx, now)
		if len(failed) == 0 {
			return p, nil
		}
		for _, prop := range failed {
			if !seen[prop] {
				seen[prop] = true
				violated = append(violated, prop)
			}
		}
	}
	return nil, violated
}

func policyContext(sub *auth.Subject) policy.Context {
	pctx := policy.Context{
		RemoteIP: sub.Context.RemoteIP,
		Region:   sub.Context.Region,
	}
	if sub.Identity != nil {
		pctx.ProviderID = &sub.Identity.ProviderID
	}
	return pctx
}

// pickGateway chooses deterministically: gateways the client already
// holds a tunnel to win, then a stable hash of the client id spreads
// fresh connections across the eligible set.
func pickGateway(clientID uuid.UUID, eligible []*store.Gateway, connected []uuid.UUID) *store.Gateway {
	if len(connected) > 0 {
		held := make(map[uuid.UUID]bool, len(connected))
		for _, id := range connected {
			held[id] = true
		}
		kept := make([]*store.Gateway, 0, len(eligible))
		for _, gw := range eligible {
			if held[gw.ID] {
				kept = append(kept, gw)
			}
		}
		if len(kept) > 0 {
			eligible = kept
		}
	}
	slices.SortFunc(eligible, func(a, b *store.Gateway) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})

	h := fnv.New32a()
	h.Write(clientID[:])
	return eligible[int(h.Sum32())%len(eligible)]
}

func connectFromReply(reply *RoutedReply) *clientmsg.Connect {
	return &clientmsg.Connect{
		ResourceID:          reply.ResourceID,
		GatewayPublicKey:    reply.GatewayPublicKey,
		GatewayPayload:      reply.GatewayPayload,
		PersistentKeepalive: persistentKeepalive,
	}
}

func expiresUnix(sub *auth.Subject) int64 {
	if sub.ExpiresAt.IsZero() {
		return 0
	}
	return sub.ExpiresAt.Unix()
}
