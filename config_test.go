package rdns

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigStoreLoadInstall(t *testing.T) {
	initial := &ConfigSnapshot{DefaultPool: "a"}
	store := NewConfigStore(initial)

	require.Same(t, initial, store.Load())

	next := &ConfigSnapshot{DefaultPool: "b"}
	store.Install(next)

	require.Same(t, next, store.Load())
}

// TestConfigStoreInFlightSnapshotUnaffectedByReload mimics a query that
// loads a snapshot, then a concurrent reload installs a new one: the
// in-flight query must keep using the snapshot it already loaded.
func TestConfigStoreInFlightSnapshotUnaffectedByReload(t *testing.T) {
	first := &ConfigSnapshot{DefaultPool: "first"}
	store := NewConfigStore(first)

	loaded := store.Load()
	store.Install(&ConfigSnapshot{DefaultPool: "second"})

	require.Equal(t, "first", loaded.DefaultPool)
	require.Equal(t, "second", store.Load().DefaultPool)
}
