// Package progress aggregates byte and file counters from the download and
// assembly workers into a single snapshot consumers can poll without
// blocking any worker.
package progress

import (
	stderrors "errors"
	"sync"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
)

// State is the coarse phase of a run.
type State int

const (
	StatePlanning State = iota
	StateDownloading
	StateAssembling
	StateVerifying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateDownloading:
		return "downloading"
	case StateAssembling:
		return "assembling"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureKind classifies a terminal failure.
type FailureKind int

const (
	FailureCancelled FailureKind = iota
	FailureDownload
	FailureChecksum
	FailureFilesystem
	FailureManifest
	FailureInternal
)

func (k FailureKind) String() string {
	switch k {
	case FailureCancelled:
		return "cancelled"
	case FailureDownload:
		return "download"
	case FailureChecksum:
		return "checksum"
	case FailureFilesystem:
		return "filesystem"
	case FailureManifest:
		return "manifest"
	default:
		return "internal"
	}
}

// Failure carries the cause of a failed run.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// ClassifyError maps an error to the failure kind reported to consumers.
func ClassifyError(err error) FailureKind {
	switch {
	case stderrors.Is(err, errors.ErrCancelled):
		return FailureCancelled
	case stderrors.Is(err, errors.ErrChecksumMismatch):
		return FailureChecksum
	case stderrors.Is(err, errors.ErrDownloadFailed),
		stderrors.Is(err, errors.ErrUnsupportedEncryption),
		stderrors.Is(err, errors.ErrUnsupportedCompression):
		return FailureDownload
	case stderrors.Is(err, errors.ErrMalformedManifest),
		stderrors.Is(err, errors.ErrManifestStatsMismatch),
		stderrors.Is(err, errors.ErrUnresolvableChunk),
		stderrors.Is(err, errors.ErrUndeclaredChunk):
		return FailureManifest
	case stderrors.Is(err, errors.ErrFilesystem),
		stderrors.Is(err, errors.ErrInvalidPath),
		stderrors.Is(err, errors.ErrChunkMissing):
		return FailureFilesystem
	default:
		return FailureInternal
	}
}

// Progress is a point-in-time view of a run.
type Progress struct {
	State      State
	TotalBytes uint64
	DoneBytes  uint64
	TotalFiles int
	DoneFiles  int
	Failure    *Failure
}

type event struct {
	bytes uint64
	files int
}

// Tracker is the single authoritative progress aggregator. Workers publish
// deltas over a buffered channel; when the buffer is full the delta is
// folded in directly under the mutex so publishing never blocks.
type Tracker struct {
	mu      sync.Mutex
	events  chan event
	current Progress
}

const eventBuffer = 1024

func NewTracker() *Tracker {
	return &Tracker{events: make(chan event, eventBuffer)}
}

// SetTotals records the plan-derived totals the deltas count towards.
func (t *Tracker) SetTotals(bytes uint64, files int) {
	t.mu.Lock()
	t.current.TotalBytes = bytes
	t.current.TotalFiles = files
	t.mu.Unlock()
}

// SetState advances the phase. Done and Failed are terminal; later
// transitions are ignored.
func (t *Tracker) SetState(s State) {
	t.mu.Lock()
	if t.current.State != StateDone && t.current.State != StateFailed {
		t.current.State = s
	}
	t.mu.Unlock()
}

// Fail records the first terminal failure and moves to the failed state.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	if t.current.Failure == nil {
		t.current.Failure = &Failure{Kind: ClassifyError(err), Err: err}
		t.current.State = StateFailed
	}
	t.mu.Unlock()
}

// Publish adds byte and file completion deltas. Counters only grow.
func (t *Tracker) Publish(bytesDelta uint64, filesDelta int) {
	select {
	case t.events <- event{bytes: bytesDelta, files: filesDelta}:
	default:
		t.mu.Lock()
		t.current.DoneBytes += bytesDelta
		t.current.DoneFiles += filesDelta
		t.mu.Unlock()
	}
}

// Snapshot drains pending events and returns the current view.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		select {
		case ev := <-t.events:
			t.current.DoneBytes += ev.bytes
			t.current.DoneFiles += ev.files
		default:
			return t.current
		}
	}
}
