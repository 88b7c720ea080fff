// Package wire defines the framed message protocol spoken on every
// session socket, the reply/reason taxonomy, and the view structs
// pushed to connected peers. Direction-specific message unions live in
// the client, gateway, and relay subpackages.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names shared across session kinds.
const (
	EventInit       = "init"
	EventReply      = "reply"
	EventHeartbeat  = "heartbeat"
	EventDisconnect = "disconnect"

	EventPrepareConnection                 = "prepare_connection"
	EventReuseConnection                   = "reuse_connection"
	EventRequestConnection                 = "request_connection"
	EventBroadcastICECandidates            = "broadcast_ice_candidates"
	EventBroadcastInvalidatedICECandidates = "broadcast_invalidated_ice_candidates"
	EventCreateLogSink                     = "create_log_sink"

	EventConnect                 = "connect"
	EventAllowAccess             = "allow_access"
	EventICECandidates           = "ice_candidates"
	EventInvalidateICECandidates = "invalidate_ice_candidates"

	EventResourceCreatedOrUpdated = "resource_created_or_updated"
	EventResourceDeleted          = "resource_deleted"
	EventRelaysPresence           = "relays_presence"
	EventConfigChanged            = "config_changed"
)

// Disconnect reasons pushed before the server closes a session.
const (
	DisconnectTokenExpired = "token_expired"
	DisconnectShutdown     = "shutdown"
)

var (
	// ErrUnknownEvent is returned when a frame names an event the
	// receiving session kind does not understand. Sessions close on it.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMissingRef is returned when an RPC frame arrives without a ref.
	ErrMissingRef = errors.New("missing ref")
)

// Envelope frames every message on a session socket. Ref is present on
// RPC requests and echoed on the matching reply; pushes carry none.
type Envelope struct {
	Event   string          `json:"event"`
	Ref     *uint64         `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is implemented by every message the server pushes to a
// session. The implementing struct is the frame payload.
type Outbound interface {
	Event() string
}

// Encode frames a ref-less push for the socket.
func Encode(m Outbound) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Event(), err)
	}
	return json.Marshal(Envelope{Event: m.Event(), Payload: payload})
}

// EncodeRequest frames a server-initiated request carrying a
// correlation ref, e.g. a brokered request_connection to a gateway.
func EncodeRequest(ref uint64, m Outbound) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Event(), err)
	}
	return json.Marshal(Envelope{Event: m.Event(), Ref: &ref, Payload: payload})
}

// DecodeEnvelope parses the outer frame without touching the payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrUnknownEvent)
	}
	return env, nil
}

// UnknownEventError wraps ErrUnknownEvent with the offending event name.
func UnknownEventError(event string) error {
	return fmt.Errorf("%q: %w", event, ErrUnknownEvent)
}

// RPCRef extracts the mandatory correlation ref from an RPC frame.
func RPCRef(env Envelope) (uint64, error) {
	if env.Ref == nil {
		return 0, fmt.Errorf("%s: %w", env.Event, ErrMissingRef)
	}
	return *env.Ref, nil
}

// UnmarshalPayload decodes the frame payload into v. An absent payload
// leaves v zero-valued, which suits payload-less events like heartbeat.
func UnmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return nil
}

// Droppable reports whether frames of this event may be shed under
// back-pressure. ICE candidate pushes are idempotent resends; control
// frames and RPC replies never qualify.
func Droppable(event string) bool {
	return event == EventICECandidates || event == EventInvalidateICECandidates
}

// Disconnect tells a session why the server is about to close it.
type Disconnect struct {
	Reason string `json:"reason"`
}

// Event implements Outbound.
func (Disconnect) Event() string { return EventDisconnect }
