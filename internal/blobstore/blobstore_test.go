package blobstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	data := []byte("hello blob store")

	hash, err := s.Put(data, "text/plain")
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	meta, err := s.GetMeta(hash)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", meta.MediaType)
	assert.Equal(t, uint64(len(data)), meta.Size)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newStore(t)
	got, err := s.Get("0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetInvalidHashReturnsNilNotError(t *testing.T) {
	s := newStore(t)
	got, err := s.Get("not-a-hash")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutRejectsOversizedBlob(t *testing.T) {
	s := newStore(t)
	_, err := s.Put(make([]byte, MaxBlobSize+1), "application/octet-stream")
	require.Error(t, err)
}

func TestPutIsIdempotentFirstWriterMediaTypeWins(t *testing.T) {
	s := newStore(t)
	data := []byte("same content")

	h1, err := s.Put(data, "image/png")
	require.NoError(t, err)
	h2, err := s.Put(data, "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	meta, err := s.GetMeta(h1)
	require.NoError(t, err)
	assert.Equal(t, "image/png", meta.MediaType)

	hashes, err := s.List()
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func TestConcurrentIdempotentPutsProduceOnePair(t *testing.T) {
	s := newStore(t)
	data := make([]byte, 10*1024*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}

	var wg sync.WaitGroup
	hashes := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			h, err := s.Put(data, "image/png")
			assert.NoError(t, err)
			hashes[idx] = h
		}(i)
	}
	wg.Wait()

	for _, h := range hashes {
		assert.Equal(t, hashes[0], h)
	}

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestExistsAndDelete(t *testing.T) {
	s := newStore(t)
	hash, err := s.Put([]byte("x"), "text/plain")
	require.NoError(t, err)
	assert.True(t, s.Exists(hash))

	require.NoError(t, s.Delete(hash))
	assert.False(t, s.Exists(hash))

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListFiltersNonHexAndTempFiles(t *testing.T) {
	s := newStore(t)
	_, err := s.Put([]byte("content"), "text/plain")
	require.NoError(t, err)

	dirs, err := os.ReadDir(s.root)
	require.NoError(t, err)
	require.NotEmpty(t, dirs)

	junkShard := filepath.Join(s.root, dirs[0].Name())
	require.NoError(t, os.WriteFile(filepath.Join(junkShard, ".tmp.abc123"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(junkShard, "not-hex!!"), []byte("x"), 0o644))

	hashes, err := s.List()
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}
