package zonefile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	blob := []byte("$ORIGIN alice.id\n$TTL 3600\n")
	hash := Hash(blob)

	require.NoError(t, s.Put(hash, blob))

	got, ok, err := s.Get(hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blob, got)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get("deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetEvictsOnHashMismatch(t *testing.T) {
	s := openTestStore(t)
	realHash := Hash([]byte("real content"))
	// Store different bytes under a hash that doesn't match them.
	require.NoError(t, s.Put(realHash, []byte("tampered content")))

	_, ok, err := s.Get(realHash)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, s.Has(realHash))
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	blob := []byte("zonefile body")
	require.NoError(t, s.Put(Hash(blob), blob))

	n, err = s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
