package webrtc

import (
	"encoding/json"
	"testing"
)

func TestEncodeEnvelopeRoundTrip(t *testing.T) {
	raw, err := encodeEnvelope(KindNegotiationAnswer, NegotiationAnswer{AnswerSDP: "v=0\r\n"})
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}

	var env SignalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Kind != KindNegotiationAnswer {
		t.Fatalf("expected kind %q, got %q", KindNegotiationAnswer, env.Kind)
	}

	var answer NegotiationAnswer
	if err := unmarshalPayload(env.Payload, &answer); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if answer.AnswerSDP != "v=0\r\n" {
		t.Fatalf("unexpected answer sdp %q", answer.AnswerSDP)
	}
}

func TestSubscriptionUpdatePayloadRoundTrip(t *testing.T) {
	env := SignalEnvelope{Kind: KindSubscriptionUpdate}
	body, err := json.Marshal(SubscriptionUpdate{CameraIDs: []string{"cam1", "cam2"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env.Payload = body

	var upd SubscriptionUpdate
	if err := unmarshalPayload(env.Payload, &upd); err != nil {
		t.Fatalf("unmarshalPayload: %v", err)
	}
	if len(upd.CameraIDs) != 2 || upd.CameraIDs[0] != "cam1" || upd.CameraIDs[1] != "cam2" {
		t.Fatalf("unexpected camera ids: %v", upd.CameraIDs)
	}
}

func TestStreamMappingPayloadRoundTrip(t *testing.T) {
	body, err := json.Marshal(StreamMapping{Mappings: map[string]string{"0": "cam1"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var mapping StreamMapping
	if err := unmarshalPayload(body, &mapping); err != nil {
		t.Fatalf("unmarshalPayload: %v", err)
	}
	if mapping.Mappings["0"] != "cam1" {
		t.Fatalf("expected mapping 0->cam1, got %v", mapping.Mappings)
	}
}
