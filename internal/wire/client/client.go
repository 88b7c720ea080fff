// Package client defines the message union spoken on client sessions.
// Inbound covers frames the server receives; the remaining types are
// pushes and reply bodies the server sends.
package client

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jmerrifield20/MeshPortal/internal/wire"
)

// Inbound is a frame received from a connected client. Decoding an
// event outside this union is a protocol error and closes the session.
type Inbound interface{ inbound() }

func (PrepareConnection) inbound()                 {}
func (RequestConnection) inbound()                 {}
func (ReuseConnection) inbound()                   {}
func (BroadcastICECandidates) inbound()            {}
func (BroadcastInvalidatedICECandidates) inbound() {}
func (CreateLogSink) inbound()                     {}
func (Heartbeat) inbound()                         {}

// PrepareConnection asks which online gateway should serve a resource.
// ConnectedGatewayIDs lists gateways the client already holds a tunnel
// to; the server prefers those when choosing.
type PrepareConnection struct {
	Ref                 uint64      `json:"-"`
	ResourceID          uuid.UUID   `json:"resource_id"`
	ConnectedGatewayIDs []uuid.UUID `json:"connected_gateway_ids,omitempty"`
}

// RequestConnection brokers a fresh tunnel to a gateway, carrying the
// client's session description and preshared key.
type RequestConnection struct {
	Ref                uint64          `json:"-"`
	ResourceID         uuid.UUID       `json:"resource_id"`
	GatewayID          uuid.UUID       `json:"gateway_id"`
	ClientPayload      json.RawMessage `json:"client_payload"`
	ClientPresharedKey string          `json:"client_preshared_key"`
}

// ReuseConnection authorizes an additional resource over a tunnel the
// client already holds to the gateway.
type ReuseConnection struct {
	Ref        uint64          `json:"-"`
	ResourceID uuid.UUID       `json:"resource_id"`
	GatewayID  uuid.UUID       `json:"gateway_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// BroadcastICECandidates fans candidates out to the listed gateways.
type BroadcastICECandidates struct {
	GatewayIDs []uuid.UUID `json:"gateway_ids"`
	Candidates []string    `json:"candidates"`
}

// BroadcastInvalidatedICECandidates retracts previously sent candidates.
type BroadcastInvalidatedICECandidates struct {
	GatewayIDs []uuid.UUID `json:"gateway_ids"`
	Candidates []string    `json:"candidates"`
}

// CreateLogSink requests a signed upload URL for a diagnostics bundle.
type CreateLogSink struct {
	Ref uint64 `json:"-"`
}

// Heartbeat keeps the session lease fresh. Answered with an ok reply.
type Heartbeat struct {
	Ref uint64 `json:"-"`
}

// DecodeInbound parses one client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Event {
	case wire.EventPrepareConnection:
		ref, err := wire.RPCRef(env)
		if err != nil {
			return nil, err
		}
		var m PrepareConnection
		if err := wire.UnmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		m.Ref = ref
		return m, nil

	case wire.EventRequestConnection:
		ref, err := wire.RPCRef(env)
		if err != nil {
			return nil, err
		}
		var m RequestConnection
		if err := wire.UnmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		m.Ref = ref
		return m, nil

	case wire.EventReuseConnection:
		ref, err := wire.RPCRef(env)
		if err != nil {
			return nil, err
		}
		var m ReuseConnection
		if err := wire.UnmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		m.Ref = ref
		return m, nil

	case wire.EventCreateLogSink:
		ref, err := wire.RPCRef(env)
		if err != nil {
			return nil, err
		}
		return CreateLogSink{Ref: ref}, nil

	case wire.EventHeartbeat:
		ref, err := wire.RPCRef(env)
		if err != nil {
			return nil, err
		}
		return Heartbeat{Ref: ref}, nil

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

	default:
		return nil, wire.UnknownEventError(env.Event)
	}
}
