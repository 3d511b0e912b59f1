package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/hyposync/hyposync/internal/common"
)

// DefaultMaxPlaintext is the ceiling on decrypted payload size. Callers
// reject oversized payloads with common.ErrPayloadTooLarge before anything
// is encoded or queued.
const DefaultMaxPlaintext = 1 << 20 // 1 MiB

// maxFrameSize bounds the declared length of an incoming frame so a bogus
// header cannot trigger a giant allocation.
const maxFrameSize = 8 << 20

// EncodeFrame serializes the envelope to canonical JSON and prepends a
// 4-byte big-endian length, producing one binary websocket message.
func EncodeFrame(e *Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return prefixFrame(body), nil
}

// EncodeRawFrame wraps an already-serialized JSON document in the binary
// frame format. Used by the pairing handshake, which sends raw messages
// that are deliberately not envelopes.
func EncodeRawFrame(body []byte) []byte {
	return prefixFrame(body)
}

func prefixFrame(body []byte) []byte {
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

// DecodeFrame extracts and validates the envelope carried by a binary
// frame. It fails with common.ErrFrameTruncated when fewer bytes are
// present than the declared length, and common.ErrFrameMalformed when the
// payload does not parse into a valid envelope.
func DecodeFrame(data []byte) (*Envelope, error) {
	body, err := FrameBody(data)
	if err != nil {
		return nil, err
	}

	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrFrameMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// FrameBody strips the length prefix and returns the JSON document inside
// a frame, without interpreting it.
func FrameBody(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", common.ErrFrameTruncated, len(data))
	}
	length := binary.BigEndian.Uint32(data)
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d", common.ErrFrameMalformed, length)
	}
	if uint32(len(data)-4) < length {
		return nil, fmt.Errorf("%w: declared %d, have %d", common.ErrFrameTruncated, length, len(data)-4)
	}
	return data[4 : 4+length], nil
}
