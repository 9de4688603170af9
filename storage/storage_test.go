package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runKeyValueContract(t *testing.T, kv KeyValue) {
	t.Helper()

	// Missing key reads as absent, not as an error.
	_, found, err := kv.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Set("a", []byte("first")))
	require.NoError(t, kv.Set("b", []byte("second")))

	value, found, err := kv.Get("a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("first"), value)

	// Overwrite.
	require.NoError(t, kv.Set("a", []byte("updated")))
	value, _, err = kv.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), value)

	keys, err := kv.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	// Delete is idempotent.
	require.NoError(t, kv.Delete("a"))
	require.NoError(t, kv.Delete("a"))
	_, found, err = kv.Get("a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreContract(t *testing.T) {
	runKeyValueContract(t, NewMemoryStore())
}

func TestBoltStoreContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletcore.db")
	store, err := NewBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	runKeyValueContract(t, store)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletcore.db")

	store, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Set("topic", []byte("symkey")))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	value, found, err := reopened.Get("topic")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("symkey"), value)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	original := []byte("secret")
	require.NoError(t, store.Set("k", original))

	original[0] = 'x'
	value, _, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), value)

	value[0] = 'y'
	again, _, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), again)
}
