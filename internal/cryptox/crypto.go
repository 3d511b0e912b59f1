// Package cryptox implements the key agreement and payload encryption used
// between paired devices: X25519 ECDH with HKDF-SHA256 key derivation, and
// AES-256-GCM with the authentication tag carried separately on the wire.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Domain-separation constants. These must match the values used by every
// peer implementation, or derived keys will not agree.
var (
	hkdfSalt = []byte("hypo-clipboard-ecdh")
	hkdfInfo = []byte("hypo-aes-256-gcm")
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// GenerateKeypair returns a new X25519 private/public key pair backed by
// the operating system RNG.
func GenerateKeypair() (private, public []byte, err error) {
	private = RandBytes(curve25519.ScalarSize)
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving public key: %w", err)
	}
	return private, public, nil
}

// DeriveSharedKey performs X25519 key agreement between our private key and
// the peer's public key, then expands the shared secret into a 32-byte
// AES-256-GCM key via HKDF-SHA256. Both sides derive the same key.
func DeriveSharedKey(private, peerPublic []byte) ([]byte, error) {
	if len(private) != curve25519.ScalarSize {
		return nil, errors.New("private key must be 32 bytes")
	}
	if len(peerPublic) != curve25519.PointSize {
		return nil, errors.New("public key must be 32 bytes")
	}

	secret, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, secret, hkdfSalt, hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce.
// The GCM tag is split off the ciphertext because the wire format carries
// nonce, ciphertext and tag as separate fields.
func Seal(key, plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, nil, errors.New("AES-256-GCM requires a 32-byte key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = RandBytes(NonceSize)
	sealed := aesgcm.Seal(nil, nonce, plaintext, nil)

	split := len(sealed) - TagSize
	return sealed[:split], nonce, sealed[split:], nil
}

// Open decrypts a ciphertext produced by Seal (or by a peer implementation
// using the same format). It fails if the key, nonce or tag do not match.
func Open(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errors.New("AES-256-GCM requires a 32-byte key")
	}
	if len(nonce) != NonceSize {
		return nil, errors.New("AES-256-GCM requires a 12-byte nonce")
	}
	if len(tag) != TagSize {
		return nil, errors.New("AES-256-GCM requires a 16-byte tag")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aesgcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.New("decryption failed")
	}
	return plaintext, nil
}

// RandBytes returns size cryptographically random bytes. It panics if the
// system RNG fails, which is not a recoverable condition.
func RandBytes(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
