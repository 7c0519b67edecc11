package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnci/kiln/internal/state"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sample(identifier string) *state.StateSnapshot {
	return &state.StateSnapshot{
		Commit:     "0123456789012345678901234567890123456789",
		Branch:     "main",
		Identifier: identifier,
		Status:     "success",
		Started:    1600000000,
		Tasks:      []state.TaskSnapshot{},
	}
}

func TestStoreMissOnUnknownIdentifier(t *testing.T) {
	s := openStore(t)
	_, ok := s.Get("1600000000_x", 1)
	assert.False(t, ok)
}

func TestStorePutGet(t *testing.T) {
	s := openStore(t)
	snap := sample("1600000000_a")
	require.NoError(t, s.Put(snap.Identifier, 42, snap))

	got, ok := s.Get(snap.Identifier, 42)
	require.True(t, ok)
	assert.Equal(t, snap.Identifier, got.Identifier)
	assert.Equal(t, "success", got.Status)
}

func TestStoreMtimeInvalidates(t *testing.T) {
	s := openStore(t)
	snap := sample("1600000000_b")
	require.NoError(t, s.Put(snap.Identifier, 42, snap))

	_, ok := s.Get(snap.Identifier, 43)
	assert.False(t, ok, "stale mtime must miss")

	snap.Status = "failed"
	require.NoError(t, s.Put(snap.Identifier, 43, snap))
	got, ok := s.Get(snap.Identifier, 43)
	require.True(t, ok)
	assert.Equal(t, "failed", got.Status)
}

func TestStoreDelete(t *testing.T) {
	s := openStore(t)
	snap := sample("1600000000_c")
	require.NoError(t, s.Put(snap.Identifier, 1, snap))
	require.NoError(t, s.Delete(snap.Identifier))
	_, ok := s.Get(snap.Identifier, 1)
	assert.False(t, ok)
}
