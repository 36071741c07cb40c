package progress

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
)

func TestTrackerAccumulates(t *testing.T) {
	tr := NewTracker()
	tr.SetTotals(100, 3)
	tr.SetState(StateDownloading)

	tr.Publish(40, 0)
	tr.Publish(60, 1)

	snap := tr.Snapshot()
	assert.Equal(t, StateDownloading, snap.State)
	assert.Equal(t, uint64(100), snap.TotalBytes)
	assert.Equal(t, uint64(100), snap.DoneBytes)
	assert.Equal(t, 3, snap.TotalFiles)
	assert.Equal(t, 1, snap.DoneFiles)
}

func TestTrackerPublishNeverBlocks(t *testing.T) {
	tr := NewTracker()
	// Overflow the event buffer without a single Snapshot drain.
	for i := 0; i < eventBuffer*3; i++ {
		tr.Publish(1, 0)
	}
	assert.Equal(t, uint64(eventBuffer*3), tr.Snapshot().DoneBytes)
}

func TestTrackerConcurrentPublishers(t *testing.T) {
	tr := NewTracker()
	const workers, each = 8, 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				tr.Publish(2, 1)
			}
		}()
	}
	wg.Wait()

	snap := tr.Snapshot()
	assert.Equal(t, uint64(workers*each*2), snap.DoneBytes)
	assert.Equal(t, workers*each, snap.DoneFiles)
}

func TestTrackerTerminalStates(t *testing.T) {
	tr := NewTracker()
	tr.SetState(StateDone)
	tr.SetState(StateAssembling)
	assert.Equal(t, StateDone, tr.Snapshot().State)

	tr = NewTracker()
	first := fmt.Errorf("chunk a: %w", errors.ErrChecksumMismatch)
	tr.Fail(first)
	tr.Fail(errors.ErrCancelled)
	tr.SetState(StateVerifying)

	snap := tr.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, FailureChecksum, snap.Failure.Kind)
	assert.ErrorIs(t, snap.Failure, errors.ErrChecksumMismatch)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		kind FailureKind
	}{
		{errors.ErrCancelled, FailureCancelled},
		{errors.ErrChecksumMismatch, FailureChecksum},
		{errors.ErrDownloadFailed, FailureDownload},
		{errors.ErrUnsupportedEncryption, FailureDownload},
		{errors.ErrMalformedManifest, FailureManifest},
		{errors.ErrUnresolvableChunk, FailureManifest},
		{errors.ErrChunkMissing, FailureFilesystem},
		{fmt.Errorf("boom"), FailureInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, ClassifyError(tc.err), tc.err.Error())
	}
}
