package agent

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyposync/hyposync/internal/cryptox"
)

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.key")

	created, err := loadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Len(t, created.Private, cryptox.KeySize)
	assert.Len(t, created.Public, cryptox.KeySize)
	assert.Len(t, created.Signing, ed25519.SeedSize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, created.Private, loaded.Private)
	assert.Equal(t, created.Public, loaded.Public)
	assert.Equal(t, created.Signing, loaded.Signing)
}

func TestLoadOrCreateIdentityRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.key")
	require.NoError(t, os.WriteFile(path, []byte(`{"private":"AAA="}`), 0o600))

	_, err := loadOrCreateIdentity(path)
	assert.Error(t, err)
}

func TestSigningKeyIsDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.key")

	id, err := loadOrCreateIdentity(path)
	require.NoError(t, err)

	msg := []byte("challenge material")
	sig := ed25519.Sign(id.signingKey(), msg)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(id.signingPublic()), msg, sig))
}
