package auth

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jmerrifield20/MeshPortal/internal/store"
)

// Capability is one grantable permission token.
type Capability string

const (
	CapAccountManage   Capability = "account:manage"
	CapActorsManage    Capability = "actors:manage"
	CapGroupsManage    Capability = "groups:manage"
	CapPoliciesManage  Capability = "policies:manage"
	CapResourcesManage Capability = "resources:manage"
	CapTokensManage    Capability = "tokens:manage"
	CapRelaysManage    Capability = "relays:manage"
	CapGatewaysManage  Capability = "gateways:manage"
	CapResourcesView   Capability = "resources:view"
	CapSessionsConnect Capability = "sessions:connect"
)

// CapabilitySet is the permission set attached to a Subject.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from its members.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports membership of a single capability.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// HasAny reports whether at least one of the capabilities is present.
func (s CapabilitySet) HasAny(caps ...Capability) bool {
	for _, c := range caps {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// Missing returns the capabilities of the argument list not in the
// set, in argument order.
func (s CapabilitySet) Missing(caps ...Capability) []Capability {
	var missing []Capability
	for _, c := range caps {
		if !s.Has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// CapabilitiesForRole maps an actor role to its permission set.
// Unknown roles get nothing.
func CapabilitiesForRole(role store.ActorRole) CapabilitySet {
	switch role {
	case store.RoleAdmin:
		return NewCapabilitySet(
			CapAccountManage, CapActorsManage, CapGroupsManage,
			CapPoliciesManage, CapResourcesManage, CapTokensManage,
			CapRelaysManage, CapGatewaysManage,
			CapResourcesView, CapSessionsConnect,
		)
	case store.RoleUnprivileged:
		return NewCapabilitySet(CapResourcesView, CapSessionsConnect)
	default:
		return NewCapabilitySet()
	}
}

// UnauthorizedError reports a capability check failure with the
// permissions the subject lacked.
type UnauthorizedError struct {
	Missing []Capability
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: missing permissions: %s", joinCaps(e.Missing))
}

// PrivilegeEscalationError reports an attempt to grant a role whose
// permissions the granting subject does not itself hold.
type PrivilegeEscalationError struct {
	Missing []Capability
}

func (e *PrivilegeEscalationError) Error() string {
	return fmt.Sprintf("privilege escalation: missing permissions: %s", joinCaps(e.Missing))
}

// Authorize passes when the subject holds at least one of the given
// capabilities. Mutating operations call this before touching state.
func Authorize(s *Subject, oneOf ...Capability) error {
	if s.Permissions.HasAny(oneOf...) {
		return nil
	}
	return &UnauthorizedError{Missing: s.Permissions.Missing(oneOf...)}
}

// CheckPrivilegeEscalation passes when the subject holds every
// permission the target role would grant. An admin can mint admins;
// nobody else can.
func CheckPrivilegeEscalation(s *Subject, target store.ActorRole) error {
	var missing []Capability
	for c := range CapabilitiesForRole(target) {
		if !s.Permissions.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return &PrivilegeEscalationError{Missing: missing}
}

func joinCaps(caps []Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
