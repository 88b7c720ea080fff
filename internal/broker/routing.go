package broker

import (
	"encoding/json"

	"github.com/google/uuid"
)

// RoutedRequest is the envelope a brokered request travels in on a
// gateway session's topic. The gateway session forwards Message to
// its socket under a fresh socket ref and remembers ref → RequestID
// so the eventual answer finds its way back.
type RoutedRequest struct {
	RequestID uuid.UUID       `json:"request_id"`
	Message   json.RawMessage `json:"message"`
}

// RoutedReply carries a gateway's connect answer back to the broker
// awaiting on the request's reply topic.
type RoutedReply struct {
	RequestID        uuid.UUID       `json:"request_id"`
	ResourceID       uuid.UUID       `json:"resource_id"`
	GatewayPublicKey string          `json:"gateway_public_key"`
	GatewayPayload   json.RawMessage `json:"gateway_payload"`
}
