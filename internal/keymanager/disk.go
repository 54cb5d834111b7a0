package keymanager

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	keyFilePerm os.FileMode = 0o600
	keyDirPerm  os.FileMode = 0o700
)

// Disk persists signing keys as PKCS#8 PEM files under a directory, one file
// per key id. Files are written 0600 in a 0700 directory.
type Disk struct {
	dir string

	mu    sync.RWMutex
	cache map[string]crypto.Signer
}

// NewDisk creates a disk key manager rooted at dir, creating it if needed.
func NewDisk(dir string) (*Disk, error) {
	if dir == "" {
		return nil, fmt.Errorf("disk key manager requires a directory")
	}
	if err := os.MkdirAll(dir, keyDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create key directory %q: %w", dir, err)
	}
	return &Disk{dir: dir, cache: make(map[string]crypto.Signer)}, nil
}

func (d *Disk) GenerateKey(id string, kt KeyType) (crypto.Signer, error) {
	key, err := generate(kt)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key %q: %w", id, err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	// Write-then-rename so a crash never leaves a truncated key file.
	path := d.keyPath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pemBytes, keyFilePerm); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("failed to commit key file: %w", err)
	}

	d.mu.Lock()
	d.cache[id] = key
	d.mu.Unlock()
	return key, nil
}

func (d *Disk) GetKey(id string) (crypto.Signer, error) {
	d.mu.RLock()
	key, ok := d.cache[id]
	d.mu.RUnlock()
	if ok {
		return key, nil
	}

	data, err := os.ReadFile(d.keyPath(id))
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("key file for %q is not a PKCS#8 PEM block", id)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key %q: %w", id, err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key %q does not implement crypto.Signer", id)
	}

	d.mu.Lock()
	d.cache[id] = signer
	d.mu.Unlock()
	return signer, nil
}

func (d *Disk) keyPath(id string) string {
	// Key ids are hex strings chosen by the CA; Base guards against traversal.
	return filepath.Join(d.dir, filepath.Base(id)+".pem")
}

var _ KeyManager = (*Disk)(nil)
