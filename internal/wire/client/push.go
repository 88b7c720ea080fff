package client

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jmerrifield20/MeshPortal/internal/wire"
)

// Init is the first push after a successful join: everything the
// client needs to configure its tunnel and start connecting.
type Init struct {
	Resources []wire.ResourceView `json:"resources"`
	Interface wire.InterfaceView  `json:"interface"`
	Relays    []wire.RelayView    `json:"relays"`
}

func (Init) Event() string { return wire.EventInit }

// ResourceCreatedOrUpdated announces a resource the client gained or
// whose rendering changed. The payload is the view itself.
type ResourceCreatedOrUpdated wire.ResourceView

func (ResourceCreatedOrUpdated) Event() string { return wire.EventResourceCreatedOrUpdated }

// ResourceDeleted announces a resource the client lost access to.
type ResourceDeleted struct {
	ID uuid.UUID `json:"id"`
}

func (ResourceDeleted) Event() string { return wire.EventResourceDeleted }

// RelaysPresence diffs the relay pool: ids that went away plus the
// full currently-online view set.
type RelaysPresence struct {
	DisconnectedIDs []uuid.UUID      `json:"disconnected_ids"`
	Connected       []wire.RelayView `json:"connected"`
}

func (RelaysPresence) Event() string { return wire.EventRelaysPresence }

// ConfigChanged re-pushes the interface after account configuration
// edits, e.g. a new upstream DNS list.
type ConfigChanged struct {
	Interface wire.InterfaceView `json:"interface"`
}

func (ConfigChanged) Event() string { return wire.EventConfigChanged }

// ICECandidates forwards candidates gathered by a gateway.
type ICECandidates struct {
	GatewayID  uuid.UUID `json:"gateway_id"`
	Candidates []string  `json:"candidates"`
}

func (ICECandidates) Event() string { return wire.EventICECandidates }

// InvalidateICECandidates retracts candidates a gateway withdrew.
type InvalidateICECandidates struct {
	GatewayID  uuid.UUID `json:"gateway_id"`
	Candidates []string  `json:"candidates"`
}

func (InvalidateICECandidates) Event() string { return wire.EventInvalidateICECandidates }

// ConnectionDetails is the ok response to prepare_connection.
type ConnectionDetails struct {
	GatewayID       uuid.UUID `json:"gateway_id"`
	GatewayRemoteIP string    `json:"gateway_remote_ip"`
	ResourceID      uuid.UUID `json:"resource_id"`
}

// Connect is the ok response to request_connection and
// reuse_connection once the gateway has answered.
type Connect struct {
	ResourceID          uuid.UUID       `json:"resource_id"`
	GatewayPublicKey    string          `json:"gateway_public_key"`
	GatewayPayload      json.RawMessage `json:"gateway_payload"`
	PersistentKeepalive uint16          `json:"persistent_keepalive"`
}

// LogSink is the ok response to create_log_sink.
type LogSink struct {
	URL string `json:"url"`
}
