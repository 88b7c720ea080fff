// Package relaypool selects STUN/TURN relays for client sessions and
// mints the per-session credentials they connect with.
package relaypool

import (
	"encoding/json"
	"math"
	"net/netip"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jmerrifield20/MeshPortal/internal/presence"
	"github.com/jmerrifield20/MeshPortal/internal/pubsub"
)

const (
	// DefaultPick is how many relays a client receives by default.
	DefaultPick = 2
	// DefaultFreshness bounds how stale a relay's last heartbeat may
	// be before it stops being offered.
	DefaultFreshness = 90 * time.Second

	defaultRelayPort = 3478
)

// Descriptor is the live state one relay session publishes into
// presence. StampSecret never leaves the server side; only derived
// credentials reach clients.
type Descriptor struct {
	ID          uuid.UUID   `json:"id"`
	AccountID   *uuid.UUID  `json:"account_id,omitempty"`
	IPv4        *netip.Addr `json:"ipv4,omitempty"`
	IPv6        *netip.Addr `json:"ipv6,omitempty"`
	Port        uint16      `json:"port"`
	Lat         float64     `json:"lat"`
	Lon         float64     `json:"lon"`
	StampSecret string      `json:"stamp_secret,omitempty"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
}

// EncodeMeta packs a descriptor into presence metadata.
func EncodeMeta(d Descriptor, sessionID uuid.UUID, now time.Time) presence.Meta {
	raw, _ := json.Marshal(d)
	return presence.Meta{OnlineAt: now, SessionID: sessionID, Data: raw}
}

// DecodeMeta unpacks a descriptor from presence metadata.
func DecodeMeta(meta presence.Meta) (Descriptor, bool) {
	var d Descriptor
	if err := json.Unmarshal(meta.Data, &d); err != nil {
		return Descriptor{}, false
	}
	return d, d.ID != uuid.Nil
}

// registry is the slice of the presence surface the pool reads.
// *presence.Registry satisfies this interface.
type registry interface {
	List(topic string) map[string][]presence.Meta
}

// Pool selects relays for clients.
type Pool struct {
	presence  registry
	clock     clockwork.Clock
	pick      int
	freshness time.Duration
}

// NewPool creates a Pool. pick and freshness fall back to the
// defaults when zero.
func NewPool(p registry, clock clockwork.Clock, pick int, freshness time.Duration) *Pool {
	if pick <= 0 {
		pick = DefaultPick
	}
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Pool{presence: p, clock: clock, pick: pick, freshness: freshness}
}

// Pick returns up to the configured number of relays for a client of
// the account, nearest first. Candidates are the account's dedicated
// relays plus the global pool, minus stale ones. Client coordinates
// may be nil; ordering then falls back to the most recently seen.
func (p *Pool) Pick(accountID uuid.UUID, clientLat, clientLon *float64) []Descriptor {
	candidates := p.online(pubsub.RelaysTopic(accountID))
	candidates = append(candidates, p.online(pubsub.GlobalRelaysTopic)...)

	sort.SliceStable(candidates, func(i, j int) bool {
		if clientLat != nil && clientLon != nil {
			di := haversineKm(*clientLat, *clientLon, candidates[i].Lat, candidates[i].Lon)
			dj := haversineKm(*clientLat, *clientLon, candidates[j].Lat, candidates[j].Lon)
			if di != dj {
				return di < dj
			}
		}
		return candidates[i].LastSeenAt.After(candidates[j].LastSeenAt)
	})

	if len(candidates) > p.pick {
		candidates = candidates[:p.pick]
	}
	return candidates
}

// online decodes the fresh descriptors currently present on a topic.
func (p *Pool) online(topic string) []Descriptor {
	cutoff := p.clock.Now().Add(-p.freshness)

	var out []Descriptor
	for _, metas := range p.presence.List(topic) {
		for _, meta := range metas {
			d, ok := DecodeMeta(meta)
			if !ok {
				continue
			}
			if d.LastSeenAt.Before(cutoff) {
				continue
			}
			out = append(out, d)
			break
		}
	}
	return out
}

// addrs returns the relay's socket addresses, v4 first.
func (d Descriptor) addrs() []string {
	port := d.Port
	if port == 0 {
		port = defaultRelayPort
	}
	var out []string
	if d.IPv4 != nil {
		out = append(out, netip.AddrPortFrom(d.IPv4.Unmap(), port).String())
	}
	if d.IPv6 != nil {
		out = append(out, netip.AddrPortFrom(*d.IPv6, port).String())
	}
	return out
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := math.Pi / 180

	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
