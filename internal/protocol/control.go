package protocol

import "encoding/json"

// FrameKind is the result of classifying a frame body by its top-level
// shape, before any envelope decode is attempted.
type FrameKind int

const (
	// KindEnvelope means the body should be decoded as an Envelope.
	KindEnvelope FrameKind = iota
	// KindError is a relay error report: {"type":"error", payload:{...}}.
	KindError
	// KindControl is an out-of-band control message:
	// {"msg_type":"control", payload:{...}}.
	KindControl
	// KindPairing is a raw pairing handshake message, recognizable by its
	// top-level challenge_id field.
	KindPairing
)

// ErrorPayload is the body of a relay error message.
type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	TargetDeviceID string `json:"target_device_id,omitempty"`
}

// ControlPayload is the body of a control-plane message.
type ControlPayload struct {
	Action         string `json:"action"`
	Reason         string `json:"reason,omitempty"`
	TargetDeviceID string `json:"target_device_id,omitempty"`
}

// ControlMessage is the decoded form of an error or control frame.
type ControlMessage struct {
	Kind    FrameKind
	Error   ErrorPayload
	Control ControlPayload
}

// probe captures just enough of a frame body to classify it.
type probe struct {
	Type        string `json:"type"`
	MsgType     string `json:"msg_type"`
	ChallengeID string `json:"challenge_id"`
}

// Classify inspects the top-level shape of a frame body. Control-plane
// messages and pairing messages must never be treated as envelope decode
// failures, so this runs before DecodeFrame on every received frame.
func Classify(body []byte) FrameKind {
	var p probe
	if err := json.Unmarshal(body, &p); err != nil {
		// Let the envelope decoder produce the malformed-frame error.
		return KindEnvelope
	}
	switch {
	case p.Type == "error":
		return KindError
	case p.MsgType == "control":
		return KindControl
	case p.ChallengeID != "":
		return KindPairing
	default:
		return KindEnvelope
	}
}

// DecodeControl parses an error or control frame body previously
// classified by Classify.
func DecodeControl(kind FrameKind, body []byte) (*ControlMessage, error) {
	msg := &ControlMessage{Kind: kind}
	switch kind {
	case KindError:
		var raw struct {
			Payload ErrorPayload `json:"payload"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
		msg.Error = raw.Payload
	case KindControl:
		var raw struct {
			Payload ControlPayload `json:"payload"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
		msg.Control = raw.Payload
	}
	return msg, nil
}
