// Package chunkstore implements the content-addressed on-disk cache of
// decompressed chunks. Files are named by their chunk id inside a `.chunks`
// directory co-located with the staging area; a `<id>.part` file holds the
// raw bytes of an in-flight download and doubles as the resume point.
package chunkstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/fsutil"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/logger"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
	"github.com/sirupsen/logrus"
)

// DirName is the store directory created under the destination root.
const DirName = ".chunks"

const partSuffix = ".part"

// Store is a chunk cache backed by a directory. Inserts are verified against
// the chunk id before the entry becomes visible; reads are idempotent.
type Store struct {
	dir   string
	evict bool

	mu   sync.Mutex
	refs map[manifest.ChunkID]int
}

// New opens (creating if needed) a store rooted at dir. When evict is true,
// chunk files are unlinked as soon as their refcount drops to zero.
func New(dir string, evict bool) (*Store, error) {
	if dir == "" || !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("store dir must be absolute: %w: %s", errors.ErrInvalidPath, dir)
	}
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, errors.Wrap(err, "could not create chunk store dir")
	}
	return &Store{
		dir:   dir,
		evict: evict,
		refs:  make(map[manifest.ChunkID]int),
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id manifest.ChunkID) string {
	return filepath.Join(s.dir, string(id))
}

func (s *Store) partPath(id manifest.ChunkID) string {
	return filepath.Join(s.dir, string(id)+partSuffix)
}

// Probe reports whether the chunk is stored.
func (s *Store) Probe(id manifest.ChunkID) bool {
	info, err := os.Stat(s.path(id))
	return err == nil && info.Mode().IsRegular()
}

// Insert stores the decompressed bytes of a chunk. The digest is verified
// against the id before the entry becomes visible; on mismatch nothing is
// stored and ErrChecksumMismatch is returned. Inserting an already stored
// chunk is a no-op.
func (s *Store) Insert(id manifest.ChunkID, data []byte) error {
	if got := manifest.ChunkIDForBytes(data); got != id {
		return fmt.Errorf("chunk %s: got digest %s: %w", id, got, errors.ErrChecksumMismatch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Probe(id) {
		// A concurrent insert won; discard ours.
		_ = os.Remove(s.partPath(id))
		return nil
	}

	part := s.partPath(id)
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fsutil.FileModeDefault)
	if err != nil {
		return errors.Wrapf(err, "could not create %s", part)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "could not write %s", part)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "could not sync %s", part)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "could not close %s", part)
	}
	if err := os.Rename(part, s.path(id)); err != nil {
		return errors.Wrapf(err, "could not commit chunk %s", id)
	}
	return nil
}

// OpenRead opens the stored chunk for reading.
func (s *Store) OpenRead(id manifest.ChunkID) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrChunkMissing, id)
		}
		return nil, errors.Wrapf(err, "could not open chunk %s", id)
	}
	return f, nil
}

// PartialSize returns the size of the partial download for a chunk, or zero
// when no partial file exists.
func (s *Store) PartialSize(id manifest.ChunkID) int64 {
	info, err := os.Stat(s.partPath(id))
	if err != nil {
		return 0
	}
	return info.Size()
}

// AppendPartial opens the partial file for a chunk in append mode so a
// resumed download continues where the previous run stopped.
func (s *Store) AppendPartial(id manifest.ChunkID) (*os.File, error) {
	f, err := os.OpenFile(s.partPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, fsutil.FileModeDefault)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open partial for chunk %s", id)
	}
	return f, nil
}

// ReadPartial returns the bytes downloaded so far for a chunk.
func (s *Store) ReadPartial(id manifest.ChunkID) ([]byte, error) {
	data, err := os.ReadFile(s.partPath(id))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read partial for chunk %s", id)
	}
	return data, nil
}

// DiscardPartial removes the partial file for a chunk, forcing the next
// attempt to start from the beginning.
func (s *Store) DiscardPartial(id manifest.ChunkID) {
	_ = os.Remove(s.partPath(id))
}

// Retain adds n references to a chunk, keeping it pinned in the store.
func (s *Store) Retain(id manifest.ChunkID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[id] += n
}

// Release drops one reference. When the count reaches zero and eviction is
// enabled the chunk file is unlinked. Eviction is a hint; a later Probe
// returning false simply forces a re-fetch.
func (s *Store) Release(id manifest.ChunkID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[id] > 0 {
		s.refs[id]--
	}
	if s.refs[id] > 0 || !s.evict {
		return
	}
	delete(s.refs, id)
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		logger.Debug("chunk eviction failed", logrus.Fields{"chunk": id, "error": err})
	}
}

// Refs returns the current reference count of a chunk.
func (s *Store) Refs(id manifest.ChunkID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[id]
}

// RemoveAll deletes the store directory. Called on a clean finish when the
// chunk cache is not kept.
func (s *Store) RemoveAll() error {
	return os.RemoveAll(s.dir)
}
