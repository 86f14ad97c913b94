package payload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Store([]byte(`{"id":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	got, err := s.Retrieve(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":1}`), got)
}

func TestFileStoreContentAddressedDedup(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref1, err := s.Store([]byte("same bytes"))
	require.NoError(t, err)
	ref2, err := s.Store([]byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)

	ref3, err := s.Store([]byte("other bytes"))
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref3)
}

func TestFileStoreShardsByHashPrefix(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	ref, err := s.Store([]byte("sharded"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, ref[:2], ref[2:]))
	assert.NoError(t, err)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	ref, err := s.Store([]byte("clean"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, ref[:2]))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ref[2:], entries[0].Name())
}

func TestFileStoreMissingRefIsPurged(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Retrieve("deadbeef0000")
	require.Error(t, err)
	assert.True(t, IsPurged(err))

	var pe *PurgedError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "deadbeef0000", pe.Ref)
}

func TestMemStorePurge(t *testing.T) {
	s := NewMemStore()

	ref, err := s.Store([]byte("ephemeral"))
	require.NoError(t, err)

	_, err = s.Retrieve(ref)
	require.NoError(t, err)

	s.Purge(ref)
	_, err = s.Retrieve(ref)
	assert.True(t, IsPurged(err))
}

func TestMemStoreCopiesData(t *testing.T) {
	s := NewMemStore()

	data := []byte("original")
	ref, err := s.Store(data)
	require.NoError(t, err)
	data[0] = 'X'

	got, err := s.Retrieve(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}
