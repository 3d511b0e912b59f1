// Package protocol defines the wire model shared by every transport: the
// envelope that carries encrypted clipboard payloads, the length-prefixed
// binary frame it travels in, and the control-plane shapes that must be
// told apart from envelopes before decoding.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyposync/hyposync/internal/common"
)

// ContentType classifies the clipboard payload carried by an envelope.
type ContentType string

const (
	ContentText  ContentType = "TEXT"
	ContentLink  ContentType = "LINK"
	ContentImage ContentType = "IMAGE"
	ContentFile  ContentType = "FILE"
)

// MessageType is the top-level envelope discriminator.
type MessageType string

const (
	TypeClipboard MessageType = "clipboard"
	TypeControl   MessageType = "control"
)

// Encryption carries the AES-GCM nonce and tag for the payload ciphertext.
// Both fields empty means plaintext debug mode.
type Encryption struct {
	Nonce []byte `json:"nonce"`
	Tag   []byte `json:"tag"`
}

// Payload is the envelope body. Ciphertext must be decryptable with the
// symmetric key stored for DeviceID unless plaintext debug mode is active.
type Payload struct {
	DeviceID    string      `json:"device_id"`
	DeviceName  string      `json:"device_name,omitempty"`
	Ciphertext  []byte      `json:"ciphertext"`
	ContentType ContentType `json:"content_type"`
	Target      string      `json:"target,omitempty"`
	Encryption  Encryption  `json:"encryption"`
}

// Plaintext reports whether the payload uses plaintext debug mode
// (empty nonce and tag).
func (p *Payload) Plaintext() bool {
	return len(p.Encryption.Nonce) == 0 && len(p.Encryption.Tag) == 0
}

// Envelope is the unit of sync data exchanged between devices. IDs are
// unique per send; re-sent content gets a new id.
type Envelope struct {
	ID        uuid.UUID   `json:"id"`
	Timestamp string      `json:"timestamp"`
	Version   string      `json:"version"`
	Type      MessageType `json:"type"`
	Payload   Payload     `json:"payload"`
}

// NewEnvelope builds a clipboard envelope with a fresh id and the current
// wall-clock timestamp.
func NewEnvelope(p Payload) *Envelope {
	return &Envelope{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   common.ProtocolVersion,
		Type:      TypeClipboard,
		Payload:   p,
	}
}

// Validate checks the fields a well-formed envelope must carry. It does not
// enforce encryption: callers decide whether plaintext mode is acceptable.
func (e *Envelope) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", common.ErrFrameMalformed)
	}
	if e.Payload.DeviceID == "" {
		return fmt.Errorf("%w: missing payload device_id", common.ErrFrameMalformed)
	}
	switch e.Payload.ContentType {
	case ContentText, ContentLink, ContentImage, ContentFile:
	default:
		return fmt.Errorf("%w: unknown content_type %q", common.ErrFrameMalformed, e.Payload.ContentType)
	}
	return nil
}
