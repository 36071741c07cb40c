package sophon

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/logger"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/assembler"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/chunkstore"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/driver"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/fetcher"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/planner"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/progress"
)

// maxAssembleAttempts bounds requeues of a file whose assembled bytes
// failed the whole-file checksum.
const maxAssembleAttempts = 2

// Updater is a handle on a running install or update.
type Updater struct {
	tracker *progress.Tracker
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// Snapshot returns the current progress view.
func (u *Updater) Snapshot() progress.Progress { return u.tracker.Snapshot() }

// Cancel requests a cooperative stop. Workers stop at the next chunk
// boundary; caches stay on disk so the next run resumes.
func (u *Updater) Cancel() { u.cancel() }

// Wait blocks until the run finishes and returns its terminal error, nil
// on a clean Done.
func (u *Updater) Wait() error {
	<-u.done
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// planFunc builds the plan once the run has its store and destination.
type planFunc func(opts planner.Options) (*planner.Plan, error)

// start spins up the run goroutine shared by every front door.
func start(ctx context.Context, dest *driver.OS, dl manifest.DownloadInfo, chunkIndex map[manifest.ChunkID]manifest.Chunk, buildPlan planFunc, chunksOnly bool, opts Options) *Updater {
	ctx, cancel := context.WithCancel(ctx)
	u := &Updater{
		tracker: progress.NewTracker(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(u.done)
		defer cancel()

		r := &run{
			opts:       opts.normalized(),
			dest:       dest,
			dl:         dl,
			chunkIndex: chunkIndex,
			chunksOnly: chunksOnly,
			tracker:    u.tracker,
			buildPlan:  buildPlan,
		}
		if err := r.execute(ctx); err != nil {
			u.tracker.Fail(err)
			u.mu.Lock()
			u.err = err
			u.mu.Unlock()
		}
	}()
	return u
}

type run struct {
	opts       Options
	dest       *driver.OS
	dl         manifest.DownloadInfo
	chunkIndex map[manifest.ChunkID]manifest.Chunk
	chunksOnly bool
	tracker    *progress.Tracker

	store *chunkstore.Store
	plan  *planner.Plan

	buildPlan planFunc

	mu         sync.Mutex
	pending    map[string]map[manifest.ChunkID]struct{}
	waiting    map[manifest.ChunkID][]string
	files      map[string]manifest.FileEntry
	attempts   map[string]int
	remaining  int
	fetchCh    chan fetcher.Job
	assembleCh chan manifest.FileEntry
	allDone    chan struct{}
}

func (r *run) execute(ctx context.Context) error {
	r.tracker.SetState(progress.StatePlanning)

	keepChunks := r.opts.KeepChunkCache || r.chunksOnly
	store, err := chunkstore.New(r.dest.Abs(chunkstore.DirName), !keepChunks)
	if err != nil {
		return err
	}
	r.store = store

	plan, err := r.buildPlan(planner.Options{
		Store:          store,
		Dest:           r.dest,
		VerifyExisting: r.opts.VerifyExisting,
		ChunksOnly:     r.chunksOnly,
	})
	if err != nil {
		return err
	}
	r.plan = plan
	for id, chunk := range plan.Chunks {
		r.chunkIndex[id] = chunk
	}
	r.tracker.SetTotals(plan.DownloadBytes, plan.AssembleFiles)

	if err := r.applyRenames(); err != nil {
		return err
	}
	if err := r.wire(); err != nil {
		return err
	}
	if err := r.runPools(ctx); err != nil {
		return err
	}

	r.tracker.SetState(progress.StateVerifying)
	if err := r.applyDeletions(); err != nil {
		return err
	}
	if err := r.cleanup(); err != nil {
		return err
	}

	r.tracker.SetState(progress.StateDone)
	logger.Info("run finished", logrus.Fields{
		"files": r.plan.AssembleFiles,
		"bytes": r.plan.DownloadBytes,
	})
	return nil
}

// applyRenames runs the hoisted rename steps before any pool starts. A
// missing source is tolerated so interrupted runs can be replayed.
func (r *run) applyRenames() error {
	for _, step := range r.plan.Steps {
		if step.Kind != planner.StepRenameFile {
			continue
		}
		if !r.dest.Exists(step.From) {
			continue
		}
		if dir := path.Dir(step.To); dir != "." {
			if err := r.dest.CreateDirAll(dir); err != nil {
				return err
			}
		}
		if err := r.dest.Rename(step.From, step.To); err != nil {
			return errors.Wrapf(err, "could not rename %s to %s", step.From, step.To)
		}
	}
	return nil
}

// wire sizes the job channels and builds the per-file dependency state.
// Channel capacities cover every possible send, including the bounded
// requeues, so callbacks never block while holding the run mutex.
func (r *run) wire() error {
	var (
		fetches  []fetcher.Job
		files    []manifest.FileEntry
		refTotal int
	)
	for _, step := range r.plan.Steps {
		switch step.Kind {
		case planner.StepFetchChunk:
			chunk, ok := r.chunkIndex[step.ChunkID]
			if !ok {
				return fmt.Errorf("chunk %s has no descriptor: %w", step.ChunkID, errors.ErrUnresolvableChunk)
			}
			fetches = append(fetches, fetcher.Job{
				Chunk: chunk,
				Local: r.plan.Sources[step.ChunkID].Local,
			})
		case planner.StepAssembleFile:
			files = append(files, step.File)
			refTotal += len(step.File.Chunks)
		}
	}

	r.pending = make(map[string]map[manifest.ChunkID]struct{}, len(files))
	r.waiting = make(map[manifest.ChunkID][]string)
	r.files = make(map[string]manifest.FileEntry, len(files))
	r.attempts = make(map[string]int)
	r.remaining = len(files)
	r.allDone = make(chan struct{})
	r.fetchCh = make(chan fetcher.Job, len(fetches)+refTotal*maxAssembleAttempts)
	r.assembleCh = make(chan manifest.FileEntry, len(files)*(1+maxAssembleAttempts))

	for _, file := range files {
		r.files[file.Path] = file
		deps := make(map[manifest.ChunkID]struct{})
		for _, ref := range file.Chunks {
			r.store.Retain(ref.ID, 1)
			if _, planned := r.plan.Sources[ref.ID]; planned {
				deps[ref.ID] = struct{}{}
				r.waiting[ref.ID] = append(r.waiting[ref.ID], file.Path)
			}
		}
		if len(deps) == 0 {
			r.assembleCh <- file
			continue
		}
		r.pending[file.Path] = deps
	}

	for _, job := range fetches {
		r.fetchCh <- job
	}
	if r.chunksOnly || len(files) == 0 {
		close(r.fetchCh)
	}

	if len(fetches) > 0 {
		r.tracker.SetState(progress.StateDownloading)
	} else {
		r.tracker.SetState(progress.StateAssembling)
	}
	return nil
}

func (r *run) runPools(ctx context.Context) error {
	fpool, err := fetcher.New(r.store, r.dest, fetcher.Options{
		Workers:        r.opts.DownloaderThreads,
		MaxRetries:     r.opts.MaxRetries,
		Timeout:        r.opts.RequestTimeout,
		ConnectTimeout: r.opts.ConnectTimeout,
		UserAgent:      r.opts.UserAgent,
		Endpoints:      r.dl.Endpoints,
		Tracker:        r.tracker,
		OnStored:       r.onStored,
	})
	if err != nil {
		return err
	}
	defer fpool.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		fetchErr error
		asmErr   error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if fetchErr = fpool.Run(runCtx, r.fetchCh); fetchErr != nil {
			cancel()
		}
	}()

	assembling := !r.chunksOnly && r.remaining > 0
	if assembling {
		apool, err := assembler.New(r.dest.Root(), r.store, assembler.Options{
			Workers:     r.opts.AssemblerThreads,
			Tracker:     r.tracker,
			OnMismatch:  r.onMismatch,
			OnAssembled: r.onAssembled,
		})
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if asmErr = apool.Run(runCtx, r.assembleCh); asmErr != nil {
				cancel()
			}
		}()

		select {
		case <-r.allDone:
			// Every file landed; release the idle workers.
			close(r.fetchCh)
			close(r.assembleCh)
		case <-runCtx.Done():
		}
	}
	wg.Wait()

	if err := poolError(fetchErr, asmErr); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted: %w", errors.ErrCancelled)
	}
	return nil
}

// poolError picks the pool error to report. A pool failing terminally
// cancels the shared context, so its idle peer unwinds with ErrCancelled;
// that echo must not mask the root cause.
func poolError(fetchErr, asmErr error) error {
	if fetchErr != nil && asmErr != nil {
		if stderrors.Is(fetchErr, errors.ErrCancelled) && !stderrors.Is(asmErr, errors.ErrCancelled) {
			return asmErr
		}
		return fetchErr
	}
	if fetchErr != nil {
		return fetchErr
	}
	return asmErr
}

// onStored dispatches files whose last missing chunk just landed.
func (r *run) onStored(id manifest.ChunkID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, filePath := range r.waiting[id] {
		deps, ok := r.pending[filePath]
		if !ok {
			continue
		}
		delete(deps, id)
		if len(deps) == 0 {
			delete(r.pending, filePath)
			r.assembleCh <- r.files[filePath]
		}
	}
	delete(r.waiting, id)

	// Last awaited chunk landed; the run is assembly-bound from here.
	if len(r.waiting) == 0 && !r.chunksOnly && r.remaining > 0 {
		r.tracker.SetState(progress.StateAssembling)
	}
}

// onAssembled signals run completion once the last file lands.
func (r *run) onAssembled(manifest.FileEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remaining--
	if r.remaining == 0 {
		close(r.allDone)
	}
}

// onMismatch requeues a file whose chunks were evicted or truncated between
// fetch and assembly. Missing chunks are re-fetched; the attempt cap keeps
// a persistently corrupt source from looping forever.
func (r *run) onMismatch(file manifest.FileEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[file.Path]++
	if r.attempts[file.Path] > maxAssembleAttempts {
		return false
	}

	missing := make([]manifest.ChunkID, 0)
	for _, ref := range file.Chunks {
		if !r.store.Probe(ref.ID) {
			if _, known := r.chunkIndex[ref.ID]; !known {
				return false
			}
			missing = append(missing, ref.ID)
		}
	}
	logger.Warn("requeueing file after checksum mismatch", logrus.Fields{
		"path":    file.Path,
		"missing": len(missing),
		"attempt": r.attempts[file.Path],
	})

	if len(missing) == 0 {
		r.assembleCh <- file
		return true
	}

	deps := make(map[manifest.ChunkID]struct{}, len(missing))
	for _, id := range missing {
		deps[id] = struct{}{}
		r.waiting[id] = append(r.waiting[id], file.Path)
		r.fetchCh <- fetcher.Job{
			Chunk: r.chunkIndex[id],
			Local: r.plan.Sources[id].Local,
		}
	}
	r.pending[file.Path] = deps
	return true
}

// applyDeletions removes files the target build no longer carries. They run
// strictly after every assembly succeeded.
func (r *run) applyDeletions() error {
	for _, step := range r.plan.Steps {
		if step.Kind != planner.StepDeleteFile {
			continue
		}
		if !r.dest.Exists(step.Path) {
			continue
		}
		if err := r.dest.Remove(step.Path); err != nil {
			return errors.Wrapf(err, "could not delete %s", step.Path)
		}
		logger.Debug("deleted file", logrus.Fields{"path": step.Path})
	}
	return nil
}

// cleanup drops the working directories after a clean finish. Failed and
// cancelled runs never reach this, which is what makes resume work.
func (r *run) cleanup() error {
	if err := os.RemoveAll(r.dest.Abs(assembler.DirName)); err != nil {
		return errors.Wrap(err, "could not remove staging dir")
	}
	if r.opts.KeepChunkCache || r.chunksOnly {
		return nil
	}
	return r.store.RemoveAll()
}
