// Package pairing implements the one-time challenge/ack handshake that
// establishes a shared symmetric key between two devices, plus the client
// for the relay's out-of-band pairing-code API.
//
// Handshake messages travel as raw framed JSON, not as envelopes. Their
// top-level challenge_id field is what the frame classifier keys on.
package pairing

import (
	"crypto/ed25519"
	"time"
)

const (
	kindChallenge = "challenge"
	kindAck       = "ack"
)

// PeerDescriptor identifies a pairing candidate before any key exchange:
// LAN discovery records and relay code claims both produce one.
type PeerDescriptor struct {
	DeviceID   string            `json:"device_id"`
	DeviceName string            `json:"device_name,omitempty"`
	PublicKey  []byte            `json:"public_key"`
	SigningKey ed25519.PublicKey `json:"signing_key,omitempty"`
	Addr       string            `json:"addr,omitempty"`
	RelayHint  string            `json:"relay,omitempty"`

	// AllowUnsigned permits skipping signature verification for this
	// peer. Only the LAN auto-discovery path sets it: there the transport's
	// certificate pinning stands in for the signature.
	AllowUnsigned bool `json:"-"`
}

// Message is the wire shape of both handshake directions. A challenge
// carries an expiry; an ack answers with the responder's identity and a
// signature over the challenge material.
type Message struct {
	ChallengeID string `json:"challenge_id"`
	Kind        string `json:"kind"`
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name,omitempty"`
	PublicKey   []byte `json:"public_key"`
	SigningKey  []byte `json:"signing_key,omitempty"`
	Nonce       []byte `json:"nonce"`
	Signature   []byte `json:"signature,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// signedMaterial is the byte string a handshake signature covers: the
// challenge id bound to the challenge nonce, so an ack cannot be replayed
// against a different session.
func signedMaterial(challengeID string, nonce []byte) []byte {
	out := make([]byte, 0, len(challengeID)+len(nonce))
	out = append(out, challengeID...)
	return append(out, nonce...)
}

func parseExpiry(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
