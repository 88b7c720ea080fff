package pubsub

import "github.com/google/uuid"

// ResourceChange announces a resource create, update or delete on an
// account's events topic.
type ResourceChange struct {
	ResourceID uuid.UUID `json:"resource_id"`
}

// PolicyChange announces a policy lifecycle transition. ResourceID
// and ActorGroupID let consumers decide whether they are affected
// without a lookup.
type PolicyChange struct {
	PolicyID     uuid.UUID `json:"policy_id"`
	ResourceID   uuid.UUID `json:"resource_id"`
	ActorGroupID uuid.UUID `json:"actor_group_id"`
}

// MembershipChange announces an actor joining or leaving a group.
type MembershipChange struct {
	GroupID uuid.UUID `json:"group_id"`
	ActorID uuid.UUID `json:"actor_id"`
}

// Disconnect orders every session on the addressed topic to close.
type Disconnect struct {
	Reason string `json:"reason"`
}

// RelayPresenceChange announces relay pool membership shifts to the
// client sessions of an account.
type RelayPresenceChange struct {
	JoinedIDs []uuid.UUID `json:"joined_ids,omitempty"`
	LeftIDs   []uuid.UUID `json:"left_ids,omitempty"`
}
