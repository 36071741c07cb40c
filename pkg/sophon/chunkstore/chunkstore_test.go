package chunkstore

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
)

func newStore(t *testing.T, evict bool) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), DirName), evict)
	require.NoError(t, err)
	return s
}

func TestInsertProbeRead(t *testing.T) {
	s := newStore(t, false)
	body := []byte("chunk contents")
	id := manifest.ChunkIDForBytes(body)

	assert.False(t, s.Probe(id))

	require.NoError(t, s.Insert(id, body))
	assert.True(t, s.Probe(id))

	r, err := s.OpenRead(id)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, body, got)
}

func TestInsertRejectsWrongDigest(t *testing.T) {
	s := newStore(t, false)
	id := manifest.ChunkIDForBytes([]byte("expected"))

	err := s.Insert(id, []byte("different"))
	assert.ErrorIs(t, err, errors.ErrChecksumMismatch)
	assert.False(t, s.Probe(id))
}

func TestInsertIdempotent(t *testing.T) {
	s := newStore(t, false)
	body := []byte("same bytes")
	id := manifest.ChunkIDForBytes(body)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Insert(id, body))
		}()
	}
	wg.Wait()

	assert.True(t, s.Probe(id))
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenReadMissing(t *testing.T) {
	s := newStore(t, false)
	_, err := s.OpenRead(manifest.ChunkIDForBytes([]byte("nothing")))
	assert.ErrorIs(t, err, errors.ErrChunkMissing)
}

func TestPartialLifecycle(t *testing.T) {
	s := newStore(t, false)
	id := manifest.ChunkIDForBytes([]byte("full contents"))

	assert.Zero(t, s.PartialSize(id))

	f, err := s.AppendPartial(id)
	require.NoError(t, err)
	_, err = f.Write([]byte("full "))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, int64(5), s.PartialSize(id))

	f, err = s.AppendPartial(id)
	require.NoError(t, err)
	_, err = f.Write([]byte("contents"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := s.ReadPartial(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("full contents"), data)

	require.NoError(t, s.Insert(id, data))
	assert.True(t, s.Probe(id))
	assert.Zero(t, s.PartialSize(id))

	s.DiscardPartial(id) // no-op once committed
	assert.True(t, s.Probe(id))
}

func TestReleaseEvicts(t *testing.T) {
	s := newStore(t, true)
	body := []byte("evict me")
	id := manifest.ChunkIDForBytes(body)

	require.NoError(t, s.Insert(id, body))
	s.Retain(id, 2)

	s.Release(id)
	assert.True(t, s.Probe(id), "still referenced")

	s.Release(id)
	assert.False(t, s.Probe(id), "evicted at zero refs")
}

func TestReleaseKeepsWhenEvictionDisabled(t *testing.T) {
	s := newStore(t, false)
	body := []byte("keep me")
	id := manifest.ChunkIDForBytes(body)

	require.NoError(t, s.Insert(id, body))
	s.Retain(id, 1)
	s.Release(id)
	assert.True(t, s.Probe(id))
}

func TestNewRequiresAbsoluteDir(t *testing.T) {
	_, err := New("relative/dir", false)
	assert.ErrorIs(t, err, errors.ErrInvalidPath)
}
