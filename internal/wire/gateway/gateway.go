// Package gateway defines the message union spoken on gateway sessions.
package gateway

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jmerrifield20/MeshPortal/internal/wire"
)

// Inbound is a frame received from a connected gateway.
type Inbound interface{ inbound() }

func (Connect) inbound()                           {}
func (BroadcastICECandidates) inbound()            {}
func (BroadcastInvalidatedICECandidates) inbound() {}
func (Heartbeat) inbound()                         {}

// Connect answers a brokered request_connection or allow_access. Ref
// echoes the request so the broker can find the waiting client.
type Connect struct {
	Ref              uint64          `json:"-"`
	ResourceID       uuid.UUID       `json:"resource_id"`
	GatewayPublicKey string          `json:"gateway_public_key"`
	GatewayPayload   json.RawMessage `json:"gateway_payload"`
}

// BroadcastICECandidates fans candidates out to the listed clients.
type BroadcastICECandidates struct {
	ClientIDs  []uuid.UUID `json:"client_ids"`
	Candidates []string    `json:"candidates"`
}

// BroadcastInvalidatedICECandidates retracts previously sent candidates.
type BroadcastInvalidatedICECandidates struct {
	ClientIDs  []uuid.UUID `json:"client_ids"`
	Candidates []string    `json:"candidates"`
}

// Heartbeat keeps the session lease fresh.
type Heartbeat struct {
	Ref uint64 `json:"-"`
}

// DecodeInbound parses one gateway frame.
func DecodeInbound(data []byte) (Inbound, error) {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Event {
	case wire.EventConnect:
		ref, err := wire.RPCRef(env)
		if err != nil {
			return nil, err
		}
		var m Connect
		if err := wire.UnmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		m.Ref = ref
		return m, nil

	case wire.EventBroadcastICECandidates:
		var m BroadcastICECandidates
		if err := wire.UnmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil

	case wire.EventBroadcastInvalidatedICECandidates:
		var m BroadcastInvalidatedICECandidates
		if err := wire.UnmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil

	case wire.EventHeartbeat:
		ref, err := wire.RPCRef(env)
		if err != nil {
			return nil, err
		}
		return Heartbeat{Ref: ref}, nil

	default:
		return nil, wire.UnknownEventError(env.Event)
	}
}

// Init is the first push after a successful gateway join. Gateways get
// their tunnel addresses only; resources arrive per brokered request.
type Init struct {
	Interface wire.InterfaceView `json:"interface"`
}

func (Init) Event() string { return wire.EventInit }

// RequestConnection hands a client's fresh tunnel request to the
// gateway. AuthorizationExpiresAt is unix seconds; the gateway
// enforces it independently of the control plane.
type RequestConnection struct {
	ResourceID             uuid.UUID       `json:"resource_id"`
	ClientID               uuid.UUID       `json:"client_id"`
	Peer                   wire.PeerView   `json:"peer"`
	ClientPayload          json.RawMessage `json:"client_payload"`
	ClientPresharedKey     string          `json:"client_preshared_key"`
	AuthorizationExpiresAt int64           `json:"authorization_expires_at"`
}

func (RequestConnection) Event() string { return wire.EventRequestConnection }

// AllowAccess authorizes one more resource over an existing tunnel.
type AllowAccess struct {
	ResourceID             uuid.UUID       `json:"resource_id"`
	ClientID               uuid.UUID       `json:"client_id"`
	ClientPayload          json.RawMessage `json:"client_payload,omitempty"`
	AuthorizationExpiresAt int64           `json:"authorization_expires_at"`
}

func (AllowAccess) Event() string { return wire.EventAllowAccess }

// ICECandidates forwards candidates gathered by a client. TraceContext
// carries opaque correlation metadata for debugging fan-out paths.
type ICECandidates struct {
	ClientID     uuid.UUID         `json:"client_id"`
	Candidates   []string          `json:"candidates"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

func (ICECandidates) Event() string { return wire.EventICECandidates }

// InvalidateICECandidates retracts candidates a client withdrew.
type InvalidateICECandidates struct {
	ClientID   uuid.UUID `json:"client_id"`
	Candidates []string  `json:"candidates"`
}

func (InvalidateICECandidates) Event() string { return wire.EventInvalidateICECandidates }
