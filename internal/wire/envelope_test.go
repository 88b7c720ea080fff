package wire

import (
	"encoding/json"
	"testing"
)

func TestEncodeDisconnectFrame(t *testing.T) {
	data, err := Encode(Disconnect{Reason: DisconnectTokenExpired})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if env.Event != EventDisconnect {
		t.Errorf("event = %q, want %q", env.Event, EventDisconnect)
	}
	if env.Ref != nil {
		t.Errorf("push frame carries ref %d, want none", *env.Ref)
	}

	var d Disconnect
	if err := json.Unmarshal(env.Payload, &d); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if d.Reason != DisconnectTokenExpired {
		t.Errorf("reason = %q, want %q", d.Reason, DisconnectTokenExpired)
	}
}

func TestEncodeOKReplyEchoesRef(t *testing.T) {
	data, err := EncodeOKReply(42, map[string]string{"url": "https://logs.example.com/x"})
	if err != nil {
		t.Fatalf("EncodeOKReply: %v", err)
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Event != EventReply {
		t.Errorf("event = %q, want %q", env.Event, EventReply)
	}
	if env.Ref == nil || *env.Ref != 42 {
		t.Fatalf("ref = %v, want 42", env.Ref)
	}

	var r Reply
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if r.Status != StatusOK {
		t.Errorf("status = %q, want %q", r.Status, StatusOK)
	}
	if r.Reason != nil {
		t.Errorf("ok reply carries reason %v", r.Reason)
	}
}

func TestEncodeErrorReplyCarriesReasonDetail(t *testing.T) {
	reason := Reason{Kind: ReasonForbidden, ViolatedProperties: []string{"remote_ip_location_region"}}
	data, err := EncodeErrorReply(7, reason)
	if err != nil {
		t.Fatalf("EncodeErrorReply: %v", err)
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}

	var r Reply
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if r.Status != StatusError {
		t.Errorf("status = %q, want %q", r.Status, StatusError)
	}
	if r.Reason == nil || r.Reason.Kind != ReasonForbidden {
		t.Fatalf("reason = %+v, want kind %q", r.Reason, ReasonForbidden)
	}
	if len(r.Reason.ViolatedProperties) != 1 || r.Reason.ViolatedProperties[0] != "remote_ip_location_region" {
		t.Errorf("violated_properties = %v", r.Reason.ViolatedProperties)
	}
}

func TestDecodeEnvelopeRejectsEventlessFrame(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"payload":{}}`)); err == nil {
		t.Error("DecodeEnvelope accepted a frame without an event")
	}
	if _, err := DecodeEnvelope([]byte(`not json`)); err == nil {
		t.Error("DecodeEnvelope accepted malformed JSON")
	}
}

func TestDroppable(t *testing.T) {
	tests := []struct {
		event string
		want  bool
	}{
		{EventICECandidates, true},
		{EventInvalidateICECandidates, true},
		{EventDisconnect, false},
		{EventReply, false},
		{EventResourceCreatedOrUpdated, false},
	}
	for _, tt := range tests {
		if got := Droppable(tt.event); got != tt.want {
			t.Errorf("Droppable(%q) = %v, want %v", tt.event, got, tt.want)
		}
	}
}
