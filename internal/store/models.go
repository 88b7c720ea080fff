package store

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/MeshPortal/internal/policy"
)

// ActorType distinguishes humans from machine principals.
type ActorType string

const (
	ActorTypeUser           ActorType = "user"
	ActorTypeServiceAccount ActorType = "service_account"
	ActorTypeAPIClient      ActorType = "api_client"
)

// ActorRole determines the capability set a subject receives.
type ActorRole string

const (
	RoleAdmin        ActorRole = "admin"
	RoleUnprivileged ActorRole = "unprivileged"
)

// ResourceType is the addressing scheme of a protected target.
type ResourceType string

const (
	ResourceTypeDNS  ResourceType = "dns"
	ResourceTypeCIDR ResourceType = "cidr"
	ResourceTypeIP   ResourceType = "ip"
)

// TokenKind says what a persisted credential authenticates.
type TokenKind string

const (
	TokenKindClient       TokenKind = "client"
	TokenKindAPI          TokenKind = "api"
	TokenKindGatewayGroup TokenKind = "gateway_group"
	TokenKindRelayGroup   TokenKind = "relay_group"
)

// Account is the tenant root. Every other entity hangs off one and no
// cross-account reference is ever valid.
type Account struct {
	ID          uuid.UUID       `json:"id"                    db:"id"`
	Slug        string          `json:"slug"                  db:"slug"`
	Name        string          `json:"name"                  db:"name"`
	UpstreamDNS []string        `json:"upstream_dns"          db:"upstream_dns"`
	Features    AccountFeatures `json:"features"              db:"features"`
	DisabledAt  *time.Time      `json:"disabled_at,omitempty" db:"disabled_at"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"  db:"deleted_at"`
	CreatedAt   time.Time       `json:"created_at"            db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"            db:"updated_at"`
}

// AccountFeatures are plan-level switches the signaling core consults.
type AccountFeatures struct {
	LogSink          bool `json:"log_sink"`
	SelfHostedRelays bool `json:"self_hosted_relays"`
}

// Actor is a user or machine principal inside an account.
type Actor struct {
	ID         uuid.UUID  `json:"id"                    db:"id"`
	AccountID  uuid.UUID  `json:"account_id"            db:"account_id"`
	Type       ActorType  `json:"type"                  db:"type"`
	Role       ActorRole  `json:"role"                  db:"role"`
	Name       string     `json:"name"                  db:"name"`
	DisabledAt *time.Time `json:"disabled_at,omitempty" db:"disabled_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"  db:"deleted_at"`
	CreatedAt  time.Time  `json:"created_at"            db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"            db:"updated_at"`
}

// Identity binds an actor to an external provider. ProviderIdentifier
// is unique within (provider_id, provider_identifier).
type Identity struct {
	ID                 uuid.UUID  `json:"id"                     db:"id"`
	AccountID          uuid.UUID  `json:"account_id"             db:"account_id"`
	ActorID            uuid.UUID  `json:"actor_id"               db:"actor_id"`
	ProviderID         uuid.UUID  `json:"provider_id"            db:"provider_id"`
	ProviderIdentifier string     `json:"provider_identifier"    db:"provider_identifier"`
	ProviderState      []byte     `json:"-"                      db:"provider_state"`
	LastSeenAt         *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"   db:"deleted_at"`
	CreatedAt          time.Time  `json:"created_at"             db:"created_at"`
}

// Group is a named set of actors policies bind to.
type Group struct {
	ID        uuid.UUID  `json:"id"                   db:"id"`
	AccountID uuid.UUID  `json:"account_id"           db:"account_id"`
	Name      string     `json:"name"                 db:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt time.Time  `json:"created_at"           db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"           db:"updated_at"`
}

// Membership is the (actor, group) edge. Creating or destroying one
// re-derives what every affected client session can see.
type Membership struct {
	AccountID uuid.UUID `json:"account_id" db:"account_id"`
	GroupID   uuid.UUID `json:"group_id"   db:"group_id"`
	ActorID   uuid.UUID `json:"actor_id"   db:"actor_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Filter narrows a resource to a protocol and optional port range.
type Filter struct {
	Protocol       string `json:"protocol"`
	PortRangeStart uint16 `json:"port_range_start,omitempty"`
	PortRangeEnd   uint16 `json:"port_range_end,omitempty"`
}

// Resource is a protected target policies can grant access to.
// GatewayGroups is loaded from the connections join table, not stored
// on the row.
type Resource struct {
	ID                 uuid.UUID      `json:"id"                            db:"id"`
	AccountID          uuid.UUID      `json:"account_id"                    db:"account_id"`
	Type               ResourceType   `json:"type"                          db:"type"`
	Name               string         `json:"name"                          db:"name"`
	Address            string         `json:"address"                       db:"address"`
	AddressDescription string         `json:"address_description,omitempty" db:"address_description"`
	Filters            []Filter       `json:"filters"                       db:"filters"`
	DeletedAt          *time.Time     `json:"deleted_at,omitempty"          db:"deleted_at"`
	CreatedAt          time.Time      `json:"created_at"                    db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"                    db:"updated_at"`
	GatewayGroups      []GatewayGroup `json:"gateway_groups"                db:"-"`
}

// Policy links an actor group to a resource, optionally gated by
// conditions. (actor_group_id, resource_id) is unique among non-deleted
// policies of an account.
type Policy struct {
	ID           uuid.UUID          `json:"id"                    db:"id"`
	AccountID    uuid.UUID          `json:"account_id"            db:"account_id"`
	ActorGroupID uuid.UUID          `json:"actor_group_id"        db:"actor_group_id"`
	ResourceID   uuid.UUID          `json:"resource_id"           db:"resource_id"`
	Description  string             `json:"description"           db:"description"`
	Conditions   []policy.Condition `json:"conditions"            db:"conditions"`
	DisabledAt   *time.Time         `json:"disabled_at,omitempty" db:"disabled_at"`
	DeletedAt    *time.Time         `json:"deleted_at,omitempty"  db:"deleted_at"`
	CreatedAt    time.Time          `json:"created_at"            db:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"            db:"updated_at"`
}

// Client is an endpoint an actor connects from. The row persists
// across sessions; online-ness lives in the presence registry.
type Client struct {
	ID               uuid.UUID   `json:"id"                     db:"id"`
	AccountID        uuid.UUID   `json:"account_id"             db:"account_id"`
	ActorID          uuid.UUID   `json:"actor_id"               db:"actor_id"`
	ExternalID       string      `json:"external_id"            db:"external_id"`
	Name             string      `json:"name"                   db:"name"`
	PublicKey        string      `json:"public_key"             db:"public_key"`
	IPv4             *netip.Addr `json:"ipv4,omitempty"         db:"ipv4"`
	IPv6             *netip.Addr `json:"ipv6,omitempty"         db:"ipv6"`
	LastSeenVersion  string      `json:"last_seen_version"      db:"last_seen_version"`
	LastSeenRemoteIP *netip.Addr `json:"last_seen_remote_ip"    db:"last_seen_remote_ip"`
	LastSeenRegion   string      `json:"last_seen_region"       db:"last_seen_region"`
	LastSeenCity     string      `json:"last_seen_city"         db:"last_seen_city"`
	Lat              *float64    `json:"lat,omitempty"          db:"lat"`
	Lon              *float64    `json:"lon,omitempty"          db:"lon"`
	LastSeenAt       *time.Time  `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt        time.Time   `json:"created_at"             db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"             db:"updated_at"`
}

// GatewayGroup is a site: gateways in one group serve the same
// resources.
type GatewayGroup struct {
	ID        uuid.UUID  `json:"id"                   db:"id"`
	AccountID uuid.UUID  `json:"account_id"           db:"account_id"`
	Name      string     `json:"name"                 db:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt time.Time  `json:"created_at"           db:"created_at"`
}

// Gateway is a forwarder inside a gateway group.
type Gateway struct {
	ID               uuid.UUID   `json:"id"                     db:"id"`
	AccountID        uuid.UUID   `json:"account_id"             db:"account_id"`
	GroupID          uuid.UUID   `json:"group_id"               db:"group_id"`
	ExternalID       string      `json:"external_id"            db:"external_id"`
	Name             string      `json:"name"                   db:"name"`
	PublicKey        string      `json:"public_key"             db:"public_key"`
	IPv4             *netip.Addr `json:"ipv4,omitempty"         db:"ipv4"`
	IPv6             *netip.Addr `json:"ipv6,omitempty"         db:"ipv6"`
	LastSeenVersion  string      `json:"last_seen_version"      db:"last_seen_version"`
	LastSeenRemoteIP *netip.Addr `json:"last_seen_remote_ip"    db:"last_seen_remote_ip"`
	LastSeenAt       *time.Time  `json:"last_seen_at,omitempty" db:"last_seen_at"`
	DeletedAt        *time.Time  `json:"deleted_at,omitempty"   db:"deleted_at"`
	CreatedAt        time.Time   `json:"created_at"             db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"             db:"updated_at"`
}

// RelayGroup scopes relay credentials. AccountID nil means the global
// pool operated alongside the control plane.
type RelayGroup struct {
	ID        uuid.UUID  `json:"id"                   db:"id"`
	AccountID *uuid.UUID `json:"account_id,omitempty" db:"account_id"`
	Name      string     `json:"name"                 db:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt time.Time  `json:"created_at"           db:"created_at"`
}

// Relay is a STUN/TURN endpoint. Geo coordinates order candidate
// relays by distance to the client; the stamp secret used for TURN
// credentials is per connection and never persisted.
type Relay struct {
	ID              uuid.UUID   `json:"id"                     db:"id"`
	GroupID         uuid.UUID   `json:"group_id"               db:"group_id"`
	AccountID       *uuid.UUID  `json:"account_id,omitempty"   db:"account_id"`
	IPv4            *netip.Addr `json:"ipv4,omitempty"         db:"ipv4"`
	IPv6            *netip.Addr `json:"ipv6,omitempty"         db:"ipv6"`
	Port            uint16      `json:"port"                   db:"port"`
	Lat             float64     `json:"lat"                    db:"lat"`
	Lon             float64     `json:"lon"                    db:"lon"`
	LastSeenVersion string      `json:"last_seen_version"      db:"last_seen_version"`
	LastSeenAt      *time.Time  `json:"last_seen_at,omitempty" db:"last_seen_at"`
	DeletedAt       *time.Time  `json:"deleted_at,omitempty"   db:"deleted_at"`
	CreatedAt       time.Time   `json:"created_at"             db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"             db:"updated_at"`
}

// Token is a persisted credential. Only the hash of the secret is
// stored; revocation nulls the hash so the row keeps auditing value.
type Token struct {
	ID             uuid.UUID  `json:"id"                       db:"id"`
	AccountID      uuid.UUID  `json:"account_id"               db:"account_id"`
	Kind           TokenKind  `json:"kind"                     db:"kind"`
	Hash           *string    `json:"-"                        db:"hash"`
	ActorID        *uuid.UUID `json:"actor_id,omitempty"       db:"actor_id"`
	IdentityID     *uuid.UUID `json:"identity_id,omitempty"    db:"identity_id"`
	GatewayGroupID *uuid.UUID `json:"gateway_group_id,omitempty" db:"gateway_group_id"`
	RelayGroupID   *uuid.UUID `json:"relay_group_id,omitempty" db:"relay_group_id"`
	ExpiresAt      time.Time  `json:"expires_at"               db:"expires_at"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"   db:"last_seen_at"`
	CreatedAt      time.Time  `json:"created_at"               db:"created_at"`
}

// Flow is the audit record of one authorized client→gateway
// connection.
type Flow struct {
	ID              uuid.UUID   `json:"id"                db:"id"`
	AccountID       uuid.UUID   `json:"account_id"        db:"account_id"`
	ClientID        uuid.UUID   `json:"client_id"         db:"client_id"`
	GatewayID       uuid.UUID   `json:"gateway_id"        db:"gateway_id"`
	PolicyID        uuid.UUID   `json:"policy_id"         db:"policy_id"`
	ResourceID      uuid.UUID   `json:"resource_id"       db:"resource_id"`
	TokenID         uuid.UUID   `json:"token_id"          db:"token_id"`
	AuthorizedAt    time.Time   `json:"authorized_at"     db:"authorized_at"`
	ExpiresAt       time.Time   `json:"expires_at"        db:"expires_at"`
	ClientRemoteIP  *netip.Addr `json:"client_remote_ip"  db:"client_remote_ip"`
	GatewayRemoteIP *netip.Addr `json:"gateway_remote_ip" db:"gateway_remote_ip"`
}

// Address is one (account, family, inet) tunnel allocation.
type Address struct {
	AccountID uuid.UUID  `json:"account_id" db:"account_id"`
	Address   netip.Addr `json:"address"    db:"address"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
