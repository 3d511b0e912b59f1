package cryptox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSharedKey_BothSidesAgree(t *testing.T) {
	privA, pubA, err := GenerateKeypair()
	require.NoError(t, err)
	privB, pubB, err := GenerateKeypair()
	require.NoError(t, err)

	keyAB, err := DeriveSharedKey(privA, pubB)
	require.NoError(t, err)
	keyBA, err := DeriveSharedKey(privB, pubA)
	require.NoError(t, err)

	assert.Equal(t, keyAB, keyBA)
	assert.Len(t, keyAB, KeySize)
}

func TestDeriveSharedKey_RejectsBadLengths(t *testing.T) {
	_, pub, err := GenerateKeypair()
	require.NoError(t, err)

	_, err = DeriveSharedKey([]byte("short"), pub)
	assert.Error(t, err)

	priv, _, err := GenerateKeypair()
	require.NoError(t, err)
	_, err = DeriveSharedKey(priv, []byte("short"))
	assert.Error(t, err)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := RandBytes(KeySize)
	plaintext := []byte("clipboard contents")

	ciphertext, nonce, tag, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.Len(t, nonce, NonceSize)
	assert.Len(t, tag, TagSize)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := Open(key, nonce, ciphertext, tag)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpen_FailsOnWrongKeyOrTamper(t *testing.T) {
	key := RandBytes(KeySize)
	ciphertext, nonce, tag, err := Seal(key, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(RandBytes(KeySize), nonce, ciphertext, tag)
	assert.Error(t, err)

	tampered := append([]byte(nil), tag...)
	tampered[0] ^= 0x01
	_, err = Open(key, nonce, ciphertext, tampered)
	assert.Error(t, err)
}

func TestSealOpen_RejectBadSizes(t *testing.T) {
	_, _, _, err := Seal([]byte("short"), []byte("x"))
	assert.Error(t, err)

	key := RandBytes(KeySize)
	_, err = Open(key, []byte("bad"), nil, make([]byte, TagSize))
	assert.Error(t, err)
	_, err = Open(key, make([]byte, NonceSize), nil, []byte("bad"))
	assert.Error(t, err)
}

func TestRandBytes_Unique(t *testing.T) {
	a := RandBytes(32)
	b := RandBytes(32)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
