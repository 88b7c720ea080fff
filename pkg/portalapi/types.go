package portalapi

import (
	"time"

	"github.com/google/uuid"
)

// Account is the tenant record.
type Account struct {
	ID          uuid.UUID       `json:"id"`
	Slug        string          `json:"slug"`
	Name        string          `json:"name"`
	UpstreamDNS []string        `json:"upstream_dns"`
	Features    AccountFeatures `json:"features"`
	DisabledAt  *time.Time      `json:"disabled_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AccountFeatures are the plan-level switches.
type AccountFeatures struct {
	LogSink          bool `json:"log_sink"`
	SelfHostedRelays bool `json:"self_hosted_relays"`
}

// Actor is a user or machine principal.
type Actor struct {
	ID         uuid.UUID  `json:"id"`
	AccountID  uuid.UUID  `json:"account_id"`
	Type       string     `json:"type"`
	Role       string     `json:"role"`
	Name       string     `json:"name"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Group is a named set of actors.
type Group struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter narrows a resource to a protocol and optional port range.
type Filter struct {
	Protocol       string `json:"protocol"`
	PortRangeStart uint16 `json:"port_range_start,omitempty"`
	PortRangeEnd   uint16 `json:"port_range_end,omitempty"`
}

// Resource is a protected target.
type Resource struct {
	ID                 uuid.UUID      `json:"id"`
	AccountID          uuid.UUID      `json:"account_id"`
	Type               string         `json:"type"`
	Name               string         `json:"name"`
	Address            string         `json:"address"`
	AddressDescription string         `json:"address_description,omitempty"`
	Filters            []Filter       `json:"filters"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	GatewayGroups      []GatewayGroup `json:"gateway_groups"`
}

// Condition gates a policy on a client-side fact.
type Condition struct {
	Property string   `json:"property"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

// Policy links an actor group to a resource.
type Policy struct {
	ID           uuid.UUID   `json:"id"`
	AccountID    uuid.UUID   `json:"account_id"`
	ActorGroupID uuid.UUID   `json:"actor_group_id"`
	ResourceID   uuid.UUID   `json:"resource_id"`
	Description  string      `json:"description"`
	Conditions   []Condition `json:"conditions"`
	DisabledAt   *time.Time  `json:"disabled_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Device is an enrolled client endpoint.
type Device struct {
	ID              uuid.UUID  `json:"id"`
	AccountID       uuid.UUID  `json:"account_id"`
	ActorID         uuid.UUID  `json:"actor_id"`
	ExternalID      string     `json:"external_id"`
	Name            string     `json:"name"`
	PublicKey       string     `json:"public_key"`
	IPv4            string     `json:"ipv4,omitempty"`
	IPv6            string     `json:"ipv6,omitempty"`
	LastSeenVersion string     `json:"last_seen_version"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// GatewayGroup is a site.
type GatewayGroup struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Gateway is a forwarder inside a site.
type Gateway struct {
	ID              uuid.UUID  `json:"id"`
	AccountID       uuid.UUID  `json:"account_id"`
	GroupID         uuid.UUID  `json:"group_id"`
	ExternalID      string     `json:"external_id"`
	Name            string     `json:"name"`
	PublicKey       string     `json:"public_key"`
	IPv4            string     `json:"ipv4,omitempty"`
	IPv6            string     `json:"ipv6,omitempty"`
	LastSeenVersion string     `json:"last_seen_version"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// RelayGroup scopes relay credentials; a nil account means the shared
// pool.
type RelayGroup struct {
	ID        uuid.UUID  `json:"id"`
	AccountID *uuid.UUID `json:"account_id,omitempty"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
}

// Relay is a STUN/TURN endpoint.
type Relay struct {
	ID              uuid.UUID  `json:"id"`
	GroupID         uuid.UUID  `json:"group_id"`
	AccountID       *uuid.UUID `json:"account_id,omitempty"`
	IPv4            string     `json:"ipv4,omitempty"`
	IPv6            string     `json:"ipv6,omitempty"`
	Port            uint16     `json:"port"`
	Lat             float64    `json:"lat"`
	Lon             float64    `json:"lon"`
	LastSeenVersion string     `json:"last_seen_version"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
}

// Token is a persisted credential. The secret is never returned; see
// CreatedToken for the one-time encoded form.
type Token struct {
	ID             uuid.UUID  `json:"id"`
	AccountID      uuid.UUID  `json:"account_id"`
	Kind           string     `json:"kind"`
	ActorID        *uuid.UUID `json:"actor_id,omitempty"`
	GatewayGroupID *uuid.UUID `json:"gateway_group_id,omitempty"`
	RelayGroupID   *uuid.UUID `json:"relay_group_id,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CreatedToken pairs the stored token row with its encoded secret,
// which the portal returns exactly once.
type CreatedToken struct {
	Token   Token  `json:"token"`
	Encoded string `json:"encoded"`
}

// Flow is one authorized client→gateway connection.
type Flow struct {
	ID           uuid.UUID `json:"id"`
	AccountID    uuid.UUID `json:"account_id"`
	ClientID     uuid.UUID `json:"client_id"`
	GatewayID    uuid.UUID `json:"gateway_id"`
	PolicyID     uuid.UUID `json:"policy_id"`
	ResourceID   uuid.UUID `json:"resource_id"`
	TokenID      uuid.UUID `json:"token_id"`
	AuthorizedAt time.Time `json:"authorized_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CreateActorRequest is the payload for CreateActor.
type CreateActorRequest struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Name string `json:"name"`
}

// ResourceRequest is the payload for CreateResource and UpdateResource.
type ResourceRequest struct {
	Type               string      `json:"type"`
	Name               string      `json:"name"`
	Address            string      `json:"address"`
	AddressDescription string      `json:"address_description,omitempty"`
	Filters            []Filter    `json:"filters,omitempty"`
	GatewayGroupIDs    []uuid.UUID `json:"gateway_group_ids,omitempty"`
}

// PolicyRequest is the payload for CreatePolicy and UpdatePolicy.
type PolicyRequest struct {
	ActorGroupID uuid.UUID   `json:"actor_group_id"`
	ResourceID   uuid.UUID   `json:"resource_id"`
	Description  string      `json:"description,omitempty"`
	Conditions   []Condition `json:"conditions,omitempty"`
}

// CreateTokenRequest is the payload for CreateToken.
type CreateTokenRequest struct {
	Kind           string     `json:"kind"`
	ActorID        *uuid.UUID `json:"actor_id,omitempty"`
	GatewayGroupID *uuid.UUID `json:"gateway_group_id,omitempty"`
	RelayGroupID   *uuid.UUID `json:"relay_group_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// AccountConfigRequest is the payload for UpdateAccountConfig.
type AccountConfigRequest struct {
	UpstreamDNS []string        `json:"upstream_dns"`
	Features    AccountFeatures `json:"features"`
}
