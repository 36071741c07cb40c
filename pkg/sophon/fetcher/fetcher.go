// Package fetcher is the bounded worker pool that materialises chunks into
// the chunk store, either by HTTP download from a CDN endpoint list or by
// extracting verified regions of installed prior-build files.
package fetcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/logger"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/planner"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/progress"
)

const (
	DefaultWorkers        = 8
	DefaultMaxRetries     = 5
	DefaultTimeout        = 120 * time.Second
	DefaultConnectTimeout = 30 * time.Second

	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Job is one chunk to materialise. A non-nil Local source extracts the
// bytes from an installed file instead of the network.
type Job struct {
	Chunk manifest.Chunk
	Local *planner.LocalRegion
}

// Options configure the pool.
type Options struct {
	Workers        int
	MaxRetries     int
	Timeout        time.Duration
	ConnectTimeout time.Duration
	UserAgent      string
	// Endpoints are the CDN bases carrying the chunk paths. The lowest
	// priority value is tried first; failures rotate through the rest.
	Endpoints []manifest.Endpoint
	// Tracker receives per-chunk byte deltas. May be nil.
	Tracker *progress.Tracker
	// OnStored is invoked after a chunk lands in the store. May be nil.
	OnStored func(id manifest.ChunkID)
}

// Pool drains FetchChunk jobs with a fixed number of workers.
type Pool struct {
	store     Store
	local     Opener
	client    *http.Client
	opts      Options
	endpoints []string
	decoder   *zstd.Decoder
}

// New builds a pool. local may be nil when no job carries a local source.
func New(store Store, local Opener, opts Options) (*Pool, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "sophon/1.0"
	}

	sorted := append([]manifest.Endpoint(nil), opts.Endpoints...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	bases := make([]string, len(sorted))
	for i, ep := range sorted {
		bases[i] = strings.TrimRight(ep.URL, "/")
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(opts.Workers))
	if err != nil {
		return nil, errors.Wrap(err, "could not create zstd decoder")
	}

	client := &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		},
	}

	return &Pool{
		store:     store,
		local:     local,
		client:    client,
		opts:      opts,
		endpoints: bases,
		decoder:   decoder,
	}, nil
}

// Close releases the decompressor.
func (p *Pool) Close() {
	p.decoder.Close()
}

// Run drains jobs until the channel closes or a job fails terminally. On
// the first terminal failure remaining workers stop picking up new jobs and
// in-flight partial downloads stay on disk for the next resume.
func (p *Pool) Run(ctx context.Context, jobs <-chan Job) error {
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
				case job, ok := <-jobs:
					if !ok {
						return
					}
					if err := p.fetchOne(ctx, job); err != nil {
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
		return fmt.Errorf("fetch interrupted: %w", errors.ErrCancelled)
	}
	return nil
}

func (p *Pool) fetchOne(ctx context.Context, job Job) error {
	if p.store.Probe(job.Chunk.ID) {
		p.notify(job.Chunk, false)
		return nil
	}
	if err := job.Chunk.Encryption.Validate(); err != nil {
		return err
	}

	if job.Local != nil {
		err := p.extract(job)
		if err == nil {
			p.notify(job.Chunk, false)
			return nil
		}
		// The old file changed underneath us; fall back to the network.
		logger.Warn("local extraction failed, falling back to download", logrus.Fields{
			"chunk": job.Chunk.ID,
			"path":  job.Local.Path,
			"error": err,
		})
	}

	if err := p.download(ctx, job.Chunk); err != nil {
		return err
	}
	p.notify(job.Chunk, true)
	return nil
}

func (p *Pool) notify(chunk manifest.Chunk, downloaded bool) {
	if p.opts.Tracker != nil && downloaded {
		p.opts.Tracker.Publish(chunk.CompressedSize, 0)
	}
	if p.opts.OnStored != nil {
		p.opts.OnStored(chunk.ID)
	}
}

// extract reads the chunk's bytes out of an installed file. The planner only
// hands out regions of whole-file-verified sources, and Insert re-verifies
// the digest, so a stale read cannot be stored.
func (p *Pool) extract(job Job) error {
	if p.local == nil {
		return fmt.Errorf("no local source driver: %w", errors.ErrChunkMissing)
	}
	f, err := p.local.Open(job.Local.Path)
	if err != nil {
		return errors.Wrapf(err, "could not open %s", job.Local.Path)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(int64(job.Local.Offset), io.SeekStart); err != nil {
		return errors.Wrapf(err, "could not seek %s", job.Local.Path)
	}
	data := make([]byte, job.Local.Length)
	if _, err := io.ReadFull(f, data); err != nil {
		return errors.Wrapf(err, "could not read %s", job.Local.Path)
	}
	return p.store.Insert(job.Chunk.ID, data)
}

func (p *Pool) download(ctx context.Context, chunk manifest.Chunk) error {
	if len(p.endpoints) == 0 {
		return fmt.Errorf("no endpoints configured: %w", errors.ErrDownloadFailed)
	}

	var lastErr error
	for attempt := 0; attempt < p.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}

		base := p.endpoints[attempt%len(p.endpoints)]
		err := p.attempt(ctx, base, chunk)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("fetch interrupted: %w", errors.ErrCancelled)
		}
		if isFatal(err) {
			return err
		}
		lastErr = err
		logger.Warn("chunk fetch attempt failed", logrus.Fields{
			"chunk":   chunk.ID,
			"attempt": attempt + 1,
			"error":   err,
		})
	}
	return fmt.Errorf("chunk %s failed after %d attempts: %w (%v)",
		chunk.ID, p.opts.MaxRetries, errors.ErrDownloadFailed, lastErr)
}

// attempt performs one download round: resume or start the raw stream into
// the store's partial file, then decompress, verify and insert.
func (p *Pool) attempt(ctx context.Context, base string, chunk manifest.Chunk) error {
	resume := p.store.PartialSize(chunk.ID)
	if resume >= int64(chunk.CompressedSize) && resume > 0 {
		// A previous run fetched everything but died before insert.
		if err := p.finish(chunk); err == nil {
			return nil
		}
		p.store.DiscardPartial(chunk.ID)
		resume = 0
	}

	url := base + "/" + chunk.URLSuffix
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)
	if resume > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(resume, 10)+"-")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "download failed")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Appending to the existing partial.
	case resp.StatusCode == http.StatusOK:
		// Full body; an unusable partial is restarted from scratch.
		if resume > 0 {
			p.store.DiscardPartial(chunk.ID)
		}
	case isFatalStatus(resp.StatusCode):
		return fmt.Errorf("unexpected status code: %d: %w", resp.StatusCode, errDownloadFatal)
	default:
		return fmt.Errorf("unexpected status code: %d: %w", resp.StatusCode, errors.ErrDownloadFailed)
	}

	part, err := p.store.AppendPartial(chunk.ID)
	if err != nil {
		return errors.Wrap(err, "could not open partial file")
	}
	_, copyErr := io.Copy(part, resp.Body)
	if copyErr == nil {
		copyErr = part.Sync()
	}
	if err := part.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		// The partial keeps what arrived; the next attempt resumes it.
		return errors.Wrap(copyErr, "could not stream chunk body")
	}

	return p.finish(chunk)
}

// finish decompresses the completed raw stream, verifies the digest and
// moves the chunk into the store. A mismatch discards the partial so the
// next attempt restarts from byte zero.
func (p *Pool) finish(chunk manifest.Chunk) error {
	raw, err := p.store.ReadPartial(chunk.ID)
	if err != nil {
		return errors.Wrap(err, "could not read partial file")
	}
	if uint64(len(raw)) != chunk.CompressedSize {
		p.store.DiscardPartial(chunk.ID)
		return fmt.Errorf("chunk %s: got %d bytes, want %d: %w",
			chunk.ID, len(raw), chunk.CompressedSize, errors.ErrDownloadFailed)
	}

	data := raw
	if chunk.Compression == manifest.CompressionZstd {
		data, err = p.decoder.DecodeAll(raw, make([]byte, 0, chunk.DecompressedSize))
		if err != nil {
			p.store.DiscardPartial(chunk.ID)
			return fmt.Errorf("chunk %s: %v: %w", chunk.ID, err, errors.ErrDownloadFailed)
		}
	}

	if err := p.store.Insert(chunk.ID, data); err != nil {
		p.store.DiscardPartial(chunk.ID)
		return err
	}
	return nil
}

// errDownloadFatal marks HTTP responses that retrying cannot fix.
var errDownloadFatal = fmt.Errorf("%w: not retriable", errors.ErrDownloadFailed)

func isFatal(err error) bool {
	return stderrors.Is(err, errDownloadFatal) ||
		stderrors.Is(err, errors.ErrUnsupportedEncryption) ||
		stderrors.Is(err, errors.ErrUnsupportedCompression) ||
		stderrors.Is(err, errors.ErrCancelled)
}

func isFatalStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func sleepBackoff(ctx context.Context, attempt int) error {
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap {
		delay = backoffCap
	}
	// Spread retries out by up to 20% either way.
	span := int64(delay) / 5
	jitter := time.Duration(rand.Int63n(2*span+1) - span)
	select {
	case <-time.After(delay + jitter):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fetch interrupted: %w", errors.ErrCancelled)
	}
}
