// Package relay defines the message union spoken on relay sessions.
// Relays are nearly silent: they join, heartbeat, and get restarted by
// a disconnect push when their token is revoked.
package relay

import (
	"github.com/jmerrifield20/MeshPortal/internal/wire"
)

// Inbound is a frame received from a connected relay.
type Inbound interface{ inbound() }

func (Heartbeat) inbound() {}

// Heartbeat keeps the relay's pool membership fresh.
type Heartbeat struct {
	Ref uint64 `json:"-"`
}

// DecodeInbound parses one relay frame.
func DecodeInbound(data []byte) (Inbound, error) {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Event {
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

// Init acknowledges a successful relay join.
type Init struct{}

func (Init) Event() string { return wire.EventInit }
