package webrtc

import "encoding/json"

// SignalKind tags the WebSocket control-message union (spec.md §4.7).
type SignalKind string

const (
	KindSubscriptionUpdate  SignalKind = "SubscriptionUpdate"
	KindNegotiationRequest  SignalKind = "NegotiationRequest"
	KindStreamMapping       SignalKind = "StreamMapping"
	KindNegotiationAnswer   SignalKind = "NegotiationAnswer" // server -> client only
)

// SignalEnvelope is the outermost JSON shape every WebSocket text frame
// carries; Payload is re-decoded once Kind is known.
type SignalEnvelope struct {
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// SubscriptionUpdate replaces the session's camera set via the Video Router.
type SubscriptionUpdate struct {
	CameraIDs []string `json:"camera_ids"`
}

// NegotiationRequest carries a client SDP offer.
type NegotiationRequest struct {
	OfferSDP string `json:"offer_sdp"`
}

// NegotiationAnswer carries the server's SDP answer in reply.
type NegotiationAnswer struct {
	AnswerSDP string `json:"answer_sdp"`
}

// StreamMapping binds negotiated media sections (by mid) to camera ids.
type StreamMapping struct {
	Mappings map[string]string `json:"mappings"` // media_id -> camera_id
}

func encodeEnvelope(kind SignalKind, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SignalEnvelope{Kind: kind, Payload: body})
}
