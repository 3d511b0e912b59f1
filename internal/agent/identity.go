package agent

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hyposync/hyposync/internal/cryptox"
	"github.com/hyposync/hyposync/internal/filex"
)

// identity is the persistent key material of this device: the X25519
// keypair pairing derives shared keys from, and the ed25519 keypair that
// signs code-based handshakes. Stored as a 0600 JSON file.
type identity struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
	Signing []byte `json:"signing"` // ed25519 seed
}

func (id *identity) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(id.Signing)
}

func (id *identity) signingPublic() []byte {
	return []byte(id.signingKey().Public().(ed25519.PublicKey))
}

// loadOrCreateIdentity reads the key file, generating and persisting a
// fresh identity on first run.
func loadOrCreateIdentity(path string) (*identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("parsing key file %s: %w", path, err)
		}
		if len(id.Private) != cryptox.KeySize || len(id.Signing) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s is corrupt", path)
		}
		return &id, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}

	priv, pub, err := cryptox.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}

	id := &identity{Private: priv, Public: pub, Signing: seed}
	data, err = json.Marshal(id)
	if err != nil {
		return nil, err
	}
	if err := filex.EnsureParentDir(path); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing key file %s: %w", path, err)
	}
	return id, nil
}
