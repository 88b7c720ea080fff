package client_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/jmerrifield20/MeshPortal/internal/wire"
	"github.com/jmerrifield20/MeshPortal/internal/wire/client"
)

func TestDecodeInboundRequestConnection(t *testing.T) {
	resource := uuid.New()
	gateway := uuid.New()
	frame := fmt.Sprintf(`{
		"event": "request_connection",
		"ref": 9,
		"payload": {
			"resource_id": %q,
			"gateway_id": %q,
			"client_payload": "RTC_SD",
			"client_preshared_key": "PSK"
		}
	}`, resource, gateway)

	m, err := client.DecodeInbound([]byte(frame))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}

	rc, ok := m.(client.RequestConnection)
	if !ok {
		t.Fatalf("decoded %T, want client.RequestConnection", m)
	}
	if rc.Ref != 9 {
		t.Errorf("ref = %d, want 9", rc.Ref)
	}
	if rc.ResourceID != resource || rc.GatewayID != gateway {
		t.Errorf("ids = %s/%s, want %s/%s", rc.ResourceID, rc.GatewayID, resource, gateway)
	}
	if rc.ClientPresharedKey != "PSK" {
		t.Errorf("client_preshared_key = %q, want %q", rc.ClientPresharedKey, "PSK")
	}
	var payload string
	if err := json.Unmarshal(rc.ClientPayload, &payload); err != nil || payload != "RTC_SD" {
		t.Errorf("client_payload = %s (err %v), want \"RTC_SD\"", rc.ClientPayload, err)
	}
}

func TestDecodeInboundBroadcastNeedsNoRef(t *testing.T) {
	gw := uuid.New()
	frame := fmt.Sprintf(`{"event":"broadcast_ice_candidates","payload":{"gateway_ids":[%q],"candidates":["c1","c2"]}}`, gw)

	m, err := client.DecodeInbound([]byte(frame))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	b, ok := m.(client.BroadcastICECandidates)
	if !ok {
		t.Fatalf("decoded %T, want client.BroadcastICECandidates", m)
	}
	if len(b.GatewayIDs) != 1 || b.GatewayIDs[0] != gw {
		t.Errorf("gateway_ids = %v, want [%s]", b.GatewayIDs, gw)
	}
	if len(b.Candidates) != 2 {
		t.Errorf("candidates = %v, want 2 entries", b.Candidates)
	}
}

func TestDecodeInboundRPCWithoutRefFails(t *testing.T) {
	frame := `{"event":"prepare_connection","payload":{"resource_id":"` + uuid.NewString() + `"}}`
	if _, err := client.DecodeInbound([]byte(frame)); !errors.Is(err, wire.ErrMissingRef) {
		t.Errorf("DecodeInbound error = %v, want ErrMissingRef", err)
	}
}

func TestDecodeInboundUnknownEventFails(t *testing.T) {
	if _, err := client.DecodeInbound([]byte(`{"event":"phx_join","ref":1}`)); !errors.Is(err, wire.ErrUnknownEvent) {
		t.Errorf("DecodeInbound error = %v, want ErrUnknownEvent", err)
	}
}

func TestDecodeInboundHeartbeat(t *testing.T) {
	m, err := client.DecodeInbound([]byte(`{"event":"heartbeat","ref":3}`))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	hb, ok := m.(client.Heartbeat)
	if !ok {
		t.Fatalf("decoded %T, want client.Heartbeat", m)
	}
	if hb.Ref != 3 {
		t.Errorf("ref = %d, want 3", hb.Ref)
	}
}
