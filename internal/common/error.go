// Package common defines shared constants and sentinel errors used across
// the sync engine. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Frame-level errors. Both are recoverable: a bad frame is skipped and
	// the connection stays open.
	ErrFrameTruncated = errors.New("frame truncated")
	ErrFrameMalformed = errors.New("frame malformed")

	// Queue-level errors.
	ErrPayloadTooLarge = errors.New("payload too large")

	// Transport-level errors.
	ErrPinningMismatch  = errors.New("certificate pin mismatch")
	ErrNotConnected     = errors.New("socket not connected")
	ErrConnectCancelled = errors.New("connect cancelled")

	// Pairing errors. Surfaced to the user, never fatal to the process.
	ErrChallengeExpired = errors.New("pairing challenge expired")
	ErrSignatureInvalid = errors.New("pairing signature invalid")
	ErrPairingTimeout   = errors.New("pairing timed out")

	// Repository-level errors.
	ErrNotFound = errors.New("not found")
)
