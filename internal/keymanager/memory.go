package keymanager

import (
	"crypto"
	"sync"
)

// Memory keeps signing keys in process memory. Keys do not survive restarts;
// the CA re-keys on startup and republishes its trust bundle.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]crypto.Signer
}

// NewMemory creates an empty in-memory key manager.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]crypto.Signer)}
}

func (m *Memory) GenerateKey(id string, kt KeyType) (crypto.Signer, error) {
	key, err := generate(kt)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.keys[id] = key
	m.mu.Unlock()
	return key, nil
}

func (m *Memory) GetKey(id string) (crypto.Signer, error) {
	m.mu.RLock()
	key, ok := m.keys[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

var _ KeyManager = (*Memory)(nil)
