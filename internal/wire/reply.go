package wire

import (
	"encoding/json"
	"fmt"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Reason kinds returned in error replies and disconnects.
const (
	ReasonUnauthorized   = "unauthorized"
	ReasonNotFound       = "not_found"
	ReasonOffline        = "offline"
	ReasonForbidden      = "forbidden"
	ReasonTokenExpired   = "token_expired"
	ReasonInvalidVersion = "invalid_version"
	ReasonInvalid        = "invalid"
	ReasonExpired        = "expired"
	ReasonRetryLater     = "retry_later"
	ReasonDisabled       = "disabled"
	ReasonClosed         = "closed"
)

// Reason describes why an RPC was refused. Kind is always set; the
// detail slices are populated only for the kinds that define them.
type Reason struct {
	Kind                string   `json:"kind"`
	MissingPermissions  []string `json:"missing_permissions,omitempty"`
	PrivilegeEscalation []string `json:"privilege_escalation,omitempty"`
	ViolatedProperties  []string `json:"violated_properties,omitempty"`
}

func (r Reason) String() string { return r.Kind }

// Reply is the payload of a "reply" frame answering an RPC by ref.
// Exactly one of Response (status ok) or Reason (status error) is set.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
	Reason   *Reason         `json:"reason,omitempty"`
}

// EncodeOKReply frames a successful RPC reply echoing ref.
func EncodeOKReply(ref uint64, response any) ([]byte, error) {
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("encode reply response: %w", err)
	}
	payload, err := json.Marshal(Reply{Status: StatusOK, Response: raw})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: EventReply, Ref: &ref, Payload: payload})
}

// EncodeErrorReply frames a failed RPC reply echoing ref.
func EncodeErrorReply(ref uint64, reason Reason) ([]byte, error) {
	payload, err := json.Marshal(Reply{Status: StatusError, Reason: &reason})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: EventReply, Ref: &ref, Payload: payload})
}
