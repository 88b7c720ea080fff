package wire

import (
	"net/netip"

	"github.com/google/uuid"
)

// Resource view types. Addressable ip resources are rendered as
// single-host cidr views, so only dns and cidr reach the wire.
const (
	ResourceTypeDNS  = "dns"
	ResourceTypeCIDR = "cidr"
)

// Filter protocols.
const (
	ProtocolTCP  = "tcp"
	ProtocolUDP  = "udp"
	ProtocolICMP = "icmp"
)

// Relay view types.
const (
	RelayTypeSTUN = "stun"
	RelayTypeTURN = "turn"
)

// ResourceView is the client-facing rendering of a resource.
type ResourceView struct {
	ID                 uuid.UUID          `json:"id"`
	Type               string             `json:"type"`
	Name               string             `json:"name"`
	Address            string             `json:"address"`
	AddressDescription string             `json:"address_description,omitempty"`
	GatewayGroups      []GatewayGroupView `json:"gateway_groups"`
	Filters            []FilterView       `json:"filters"`
}

// GatewayGroupView identifies a site a resource is reachable through.
type GatewayGroupView struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// FilterView narrows a resource to a protocol and optional port range.
// Port fields are meaningless for icmp and omitted there.
type FilterView struct {
	Protocol       string `json:"protocol"`
	PortRangeStart uint16 `json:"port_range_start,omitempty"`
	PortRangeEnd   uint16 `json:"port_range_end,omitempty"`
}

// DNSServerView is one normalized upstream DNS entry.
type DNSServerView struct {
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
}

// InterfaceView carries the tunnel addresses assigned to a session and,
// for clients, the account's upstream DNS configuration.
type InterfaceView struct {
	IPv4        netip.Addr      `json:"ipv4"`
	IPv6        netip.Addr      `json:"ipv6"`
	UpstreamDNS []DNSServerView `json:"upstream_dns"`
}

// PeerView describes the client end of a brokered tunnel to a gateway.
type PeerView struct {
	PersistentKeepalive uint16     `json:"persistent_keepalive"`
	PublicKey           string     `json:"public_key"`
	IPv4                netip.Addr `json:"ipv4"`
	IPv6                netip.Addr `json:"ipv6"`
}

// RelayView is one STUN or TURN endpoint offered to a client. Username,
// Password, and ExpiresAt are set for turn entries only; ExpiresAt is
// unix seconds.
type RelayView struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Addr      string    `json:"addr"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
	ExpiresAt int64     `json:"expires_at,omitempty"`
}
