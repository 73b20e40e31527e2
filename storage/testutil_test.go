package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustBeginTransfer(t *testing.T, store *Store, record TransferRecord) string {
	t.Helper()

	id, err := store.BeginTransfer(record)
	require.NoError(t, err, "begin transfer %+v", record)
	return id
}
