package filestore

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veluca93/task-maker-go/internal/filekey"
)

func openTestStore(t *testing.T, maxMiB, minMiB uint64) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, maxMiB, minMiB)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreGetRoundTrip(t *testing.T) {
	s := openTestStore(t, 64, 32)
	ctx := context.Background()

	data := []byte("hello\n")
	key := filekey.SumBytes(data)

	require.NoError(t, s.Store(ctx, key, bytes.NewReader(data)))

	h, err := s.Get(ctx, key)
	require.NoError(t, err)
	defer h.Release()

	got, err := os.ReadFile(h.Path())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	sum, err := filekey.Sum(bytes.NewReader(got))
	require.NoError(t, err)
	assert.Equal(t, key, sum)
}

func TestStoreTwiceConsumesBothStreams(t *testing.T) {
	s := openTestStore(t, 64, 32)
	ctx := context.Background()

	data := []byte("repeat me")
	key := filekey.SumBytes(data)

	require.NoError(t, s.Store(ctx, key, bytes.NewReader(data)))
	require.NoError(t, s.Store(ctx, key, bytes.NewReader(data)))

	h, err := s.Get(ctx, key)
	require.NoError(t, err)
	defer h.Release()

	got, err := os.ReadFile(h.Path())
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStoreMissingKey(t *testing.T) {
	s := openTestStore(t, 64, 32)
	ctx := context.Background()

	_, err := s.Get(ctx, filekey.SumBytes([]byte("never stored")))
	require.Error(t, err)
	assert.False(t, s.HasKey(ctx, filekey.SumBytes([]byte("never stored"))))
}

func TestStoreCorruptionDropsBlob(t *testing.T) {
	s := openTestStore(t, 64, 32)
	ctx := context.Background()

	data := []byte("original bytes")
	key := filekey.SumBytes(data)
	require.NoError(t, s.Store(ctx, key, bytes.NewReader(data)))

	// Corrupt the on-disk bytes and force the timestamp mismatch path by
	// touching mtime forward.
	path := s.blobPath(key)
	require.NoError(t, os.Chmod(path, 0o644))
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o444))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	_, err := s.Get(ctx, key)
	require.Error(t, err)
	assert.False(t, s.HasKey(ctx, key))
}

func TestStoreEvictionRespectsHandles(t *testing.T) {
	s := openTestStore(t, 0, 0) // evict everything eligible immediately
	ctx := context.Background()

	held := []byte("held bytes, kept alive by a handle")
	heldKey := filekey.SumBytes(held)
	require.NoError(t, s.Store(ctx, heldKey, bytes.NewReader(held)))
	h, err := s.Get(ctx, heldKey)
	require.NoError(t, err)
	defer h.Release()

	unheld := []byte("unheld bytes, evicted once its timestamp lapses")
	unheldKey := filekey.SumBytes(unheld)
	require.NoError(t, s.Store(ctx, unheldKey, bytes.NewReader(unheld)))

	// Force both entries' persistence timestamps into the past so the
	// eviction walk considers them.
	for _, k := range []filekey.Key{heldKey, unheldKey} {
		e, ok, err := s.getEntry(k)
		require.NoError(t, err)
		require.True(t, ok)
		e.PersistUntil = time.Now().Add(-time.Second)
		require.NoError(t, s.putEntry(k, e))
	}

	// Re-storing a third blob triggers the eviction walk.
	other := []byte("trigger")
	otherKey := filekey.SumBytes(other)
	require.NoError(t, s.Store(ctx, otherKey, bytes.NewReader(other)))

	assert.True(t, s.HasKey(ctx, heldKey), "blob held by a live handle must survive eviction")
	assert.False(t, s.HasKey(ctx, unheldKey), "unreferenced, lapsed blob must be evicted")
}
