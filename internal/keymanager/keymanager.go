// Package keymanager provides the CA signing key backends, selected by the
// plugins.keyManager setting: an in-memory manager for ephemeral deployments
// and a disk manager that persists keys as PKCS#8 PEM files.
package keymanager

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
)

// KeyType selects the algorithm for generated signing keys.
type KeyType string

const (
	KeyTypeECP256  KeyType = "ec-p256"
	KeyTypeRSA2048 KeyType = "rsa-2048"
)

// ErrKeyNotFound indicates no key exists under the requested id.
var ErrKeyNotFound = errors.New("signing key not found")

// KeyManager stores and generates CA signing keys. Implementations must be
// safe for concurrent use.
type KeyManager interface {
	// GenerateKey creates and stores a new key under id, replacing any
	// previous key with the same id.
	GenerateKey(id string, kt KeyType) (crypto.Signer, error)

	// GetKey returns the key stored under id, or ErrKeyNotFound.
	GetKey(id string) (crypto.Signer, error)
}

// New returns the key manager selected by plugin name ("memory" or "disk").
// dir is only used by the disk manager.
func New(plugin, dir string) (KeyManager, error) {
	switch plugin {
	case "memory":
		return NewMemory(), nil
	case "disk":
		return NewDisk(dir)
	default:
		return nil, fmt.Errorf("unknown key manager plugin %q", plugin)
	}
}

func generate(kt KeyType) (crypto.Signer, error) {
	switch kt {
	case KeyTypeECP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyTypeRSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, fmt.Errorf("unknown key type %q", kt)
	}
}
