// Package assembler is the worker pool that materialises target files from
// stored chunks: each file is streamed into a staging path, checksummed and
// atomically moved into place.
package assembler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/fsutil"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/logger"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/progress"
)

// DirName is the staging directory under the destination root.
const DirName = ".staging"

// DefaultWorkers derives the assembly pool size from the fetcher pool size.
func DefaultWorkers(fetchWorkers int) int {
	if fetchWorkers/2 > 2 {
		return fetchWorkers / 2
	}
	return 2
}

// Store is the chunk source files are assembled from.
type Store interface {
	OpenRead(id manifest.ChunkID) (io.ReadCloser, error)
	Release(id manifest.ChunkID)
}

// Options configure the pool.
type Options struct {
	Workers int
	// Tracker receives one file delta per assembled file. May be nil.
	Tracker *progress.Tracker
	// OnMismatch is consulted when the assembled file fails its whole-file
	// checksum. Returning true means the caller requeued the file's chunks
	// and the job is not terminal. May be nil.
	OnMismatch func(file manifest.FileEntry) bool
	// OnAssembled is invoked after a file lands at its final path. May be nil.
	OnAssembled func(file manifest.FileEntry)
}

// Pool drains AssembleFile jobs with a fixed number of workers.
type Pool struct {
	root    string
	staging string
	store   Store
	opts    Options
}

// New builds a pool writing into root. root must be absolute.
func New(root string, store Store, opts Options) (*Pool, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("destination root must be absolute: %w: %s", errors.ErrInvalidPath, root)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers(0)
	}
	staging := filepath.Join(root, DirName)
	if err := fsutil.EnsureDir(staging); err != nil {
		return nil, err
	}
	return &Pool{root: root, staging: staging, store: store, opts: opts}, nil
}

// StagingDir returns the absolute staging directory.
func (p *Pool) StagingDir() string { return p.staging }

// Run drains jobs until the channel closes or a job fails terminally. Files
// never appear at their final path unless their checksum matched.
func (p *Pool) Run(ctx context.Context, jobs <-chan manifest.FileEntry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
	}

	for w := 0; w < p.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case file, ok := <-jobs:
					if !ok {
						return
					}
					if err := p.assembleOne(ctx, file); err != nil {
						fail(err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("assembly interrupted: %w", errors.ErrCancelled)
	}
	return nil
}

func (p *Pool) assembleOne(ctx context.Context, file manifest.FileEntry) error {
	stagingPath := filepath.Join(p.staging, uuid.NewString())

	ok, err := p.writeStaging(ctx, stagingPath, file)
	if err != nil {
		_ = os.Remove(stagingPath)
		return err
	}
	if !ok {
		// Whole-file digest mismatch: a chunk was evicted or truncated
		// between fetch and assembly. The caller may requeue.
		_ = os.Remove(stagingPath)
		if p.opts.OnMismatch != nil && p.opts.OnMismatch(file) {
			logger.Warn("assembled file failed verification, requeued", logrus.Fields{"path": file.Path})
			return nil
		}
		return fmt.Errorf("file %s: %w", file.Path, errors.ErrChecksumMismatch)
	}

	finalPath := filepath.Join(p.root, filepath.FromSlash(file.Path))
	if err := fsutil.EnsureFileDir(finalPath); err != nil {
		_ = os.Remove(stagingPath)
		return err
	}
	if err := fsutil.Move(stagingPath, finalPath); err != nil {
		_ = os.Remove(stagingPath)
		return err
	}
	if err := os.Chmod(finalPath, fsutil.FileModeDefault); err != nil {
		return errors.Wrap(err, "could not set permissions")
	}

	for _, ref := range file.Chunks {
		p.store.Release(ref.ID)
	}
	if p.opts.Tracker != nil {
		p.opts.Tracker.Publish(0, 1)
	}
	if p.opts.OnAssembled != nil {
		p.opts.OnAssembled(file)
	}
	logger.Debug("file assembled", logrus.Fields{"path": file.Path, "size": file.Size})
	return nil
}

// writeStaging streams the file's chunks in declared order and reports
// whether the result matched the expected digest. Cancellation is observed
// between chunks so large files stop promptly.
func (p *Pool) writeStaging(ctx context.Context, path string, file manifest.FileEntry) (bool, error) {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fsutil.FileModeDefault)
	if err != nil {
		return false, errors.Wrap(err, "could not create staging file")
	}

	hash := md5.New()
	w := io.MultiWriter(out, hash)
	for _, ref := range file.Chunks {
		if ctx.Err() != nil {
			_ = out.Close()
			return false, fmt.Errorf("assembly interrupted: %w", errors.ErrCancelled)
		}
		if err := p.copyChunk(w, ref); err != nil {
			_ = out.Close()
			return false, err
		}
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		return false, errors.Wrap(err, "could not sync staging file")
	}
	if err := out.Close(); err != nil {
		return false, errors.Wrap(err, "could not close staging file")
	}

	return hex.EncodeToString(hash.Sum(nil)) == file.MD5, nil
}

// copyChunk copies ref.Length bytes of the chunk into w. A chunk may be
// larger than the reference when the file only uses its head.
func (p *Pool) copyChunk(w io.Writer, ref manifest.ChunkRef) error {
	r, err := p.store.OpenRead(ref.ID)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	n, err := io.CopyN(w, r, int64(ref.Length))
	if err != nil {
		return fmt.Errorf("chunk %s: copied %d of %d bytes: %w: %v",
			ref.ID, n, ref.Length, errors.ErrChunkMissing, err)
	}
	return nil
}
