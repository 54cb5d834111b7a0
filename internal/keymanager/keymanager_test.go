package keymanager_test

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/meshguard/internal/keymanager"
)

func TestMemoryKeyManager(t *testing.T) {
	t.Parallel()

	km := keymanager.NewMemory()

	_, err := km.GetKey("ca-1")
	assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)

	key, err := km.GenerateKey("ca-1", keymanager.KeyTypeECP256)
	require.NoError(t, err)
	_, ok := key.(*ecdsa.PrivateKey)
	assert.True(t, ok, "ec-p256 must produce an ECDSA key")

	got, err := km.GetKey("ca-1")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	rsaKey, err := km.GenerateKey("ca-2", keymanager.KeyTypeRSA2048)
	require.NoError(t, err)
	_, ok = rsaKey.(*rsa.PrivateKey)
	assert.True(t, ok, "rsa-2048 must produce an RSA key")

	_, err = km.GenerateKey("ca-3", keymanager.KeyType("dsa"))
	assert.Error(t, err)
}

func TestDiskKeyManagerRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	km, err := keymanager.NewDisk(dir)
	require.NoError(t, err)

	key, err := km.GenerateKey("ca-1", keymanager.KeyTypeECP256)
	require.NoError(t, err)

	// A fresh manager over the same directory must load the persisted key.
	km2, err := keymanager.NewDisk(dir)
	require.NoError(t, err)
	loaded, err := km2.GetKey("ca-1")
	require.NoError(t, err)

	ecKey, ok := key.(*ecdsa.PrivateKey)
	require.True(t, ok)
	loadedEC, ok := loaded.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, ecKey.Equal(loadedEC), "persisted key must round-trip")

	_, err = km2.GetKey("missing")
	assert.ErrorIs(t, err, keymanager.ErrKeyNotFound)
}

func TestNewSelectsPlugin(t *testing.T) {
	t.Parallel()

	km, err := keymanager.New("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &keymanager.Memory{}, km)

	km, err = keymanager.New("disk", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &keymanager.Disk{}, km)

	_, err = keymanager.New("vault", "")
	assert.Error(t, err)
}
