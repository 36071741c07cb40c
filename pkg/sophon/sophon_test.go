package sophon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/fsutil"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/assembler"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/chunkstore"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/progress"
	"github.com/an-anime-team/anime-game-core-sub001/test/testutil"
)

func dlFor(url string) manifest.DownloadInfo {
	return manifest.DownloadInfo{Endpoints: []manifest.Endpoint{{URL: url, Priority: 0}}}
}

func testOpts() Options {
	opts := DefaultOptions()
	opts.DownloaderThreads = 4
	opts.MaxRetries = 2
	return opts
}

func waitDone(t *testing.T, u *Updater) {
	t.Helper()
	require.NoError(t, u.Wait())
	snap := u.Snapshot()
	assert.Equal(t, progress.StateDone, snap.State)
	assert.Nil(t, snap.Failure)
}

func assertTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for path, want := range files {
		got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(path)))
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
}

func assertWorkDirsGone(t *testing.T, root string) {
	t.Helper()
	assert.NoDirExists(t, filepath.Join(root, chunkstore.DirName))
	assert.NoDirExists(t, filepath.Join(root, assembler.DirName))
}

func TestInstallFresh(t *testing.T) {
	files := map[string][]byte{
		"a.bin":          []byte("XXXXXXYYYY"), // X || Y
		"b.bin":          []byte("ZZZZZZ"),     // Z
		"cfg/empty.flag": nil,
	}
	fix := testutil.BuildManifest(t, "b1", files, 6)
	srv := testutil.NewChunkServer(t, fix.Bodies)
	defer srv.Close()

	root := t.TempDir()
	u, err := InstallManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)

	assertTree(t, root, files)
	assertWorkDirsGone(t, root)

	snap := u.Snapshot()
	assert.Equal(t, snap.TotalBytes, snap.DoneBytes)
	assert.Equal(t, len(fix.Manifest.Files), snap.DoneFiles)
}

func TestInstallIdempotent(t *testing.T) {
	files := map[string][]byte{"a.bin": []byte("1234abcd"), "b.bin": []byte("efgh")}
	fix := testutil.BuildManifest(t, "b1", files, 4)
	srv := testutil.NewChunkServer(t, fix.Bodies)
	defer srv.Close()

	root := t.TempDir()
	u, err := InstallManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)
	hitsAfterFirst := srv.TotalHits()

	u, err = InstallManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)

	assert.Equal(t, hitsAfterFirst, srv.TotalHits(), "second install fetches nothing")
	assertTree(t, root, files)
}

func TestInstallSharedChunks(t *testing.T) {
	// a.bin and b.bin share their 4-byte chunks entirely.
	files := map[string][]byte{
		"a.bin": []byte("samesame"),
		"b.bin": []byte("samesame"),
	}
	fix := testutil.BuildManifest(t, "b1", files, 4)
	srv := testutil.NewChunkServer(t, fix.Bodies)
	defer srv.Close()

	root := t.TempDir()
	u, err := InstallManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)

	assertTree(t, root, files)
	for id := range fix.Bodies {
		assert.Equal(t, 1, srv.Hits(id), "shared chunk fetched once")
	}
}

func TestInstallResumesFromChunkCache(t *testing.T) {
	files := map[string][]byte{"a.bin": []byte("firstpartsecondpt")}
	fix := testutil.BuildManifest(t, "b1", files, 9)
	srv := testutil.NewChunkServer(t, fix.Bodies)
	defer srv.Close()

	root := t.TempDir()

	// A prior interrupted run left one chunk in the cache.
	store, err := chunkstore.New(filepath.Join(root, chunkstore.DirName), false)
	require.NoError(t, err)
	seeded := fix.Manifest.Chunks[0].ID
	require.NoError(t, store.Insert(seeded, fix.Bodies[seeded]))

	u, err := InstallManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)

	assertTree(t, root, files)
	assert.Zero(t, srv.Hits(seeded), "cached chunk not refetched")
}

func TestInstallZstdChunks(t *testing.T) {
	files := map[string][]byte{"a.bin": []byte("zstd zstd zstd zstd zstd!")}
	fix := testutil.BuildManifest(t, "b1", files, 32)
	frames := fix.Zstd(t)
	srv := testutil.NewChunkServer(t, frames)
	defer srv.Close()

	root := t.TempDir()
	u, err := InstallManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)
	assertTree(t, root, files)
}

func TestInstallRetriesCorruptChunk(t *testing.T) {
	files := map[string][]byte{"a.bin": []byte("will-be-corrupted-once")}
	fix := testutil.BuildManifest(t, "b1", files, 32)

	id := fix.Manifest.Chunks[0].ID
	good := fix.Bodies[id]
	var mu sync.Mutex
	served := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		served++
		first := served == 1
		mu.Unlock()
		if first {
			_, _ = w.Write(make([]byte, len(good))) // right length, wrong bytes
			return
		}
		_, _ = w.Write(good)
	}))
	defer srv.Close()

	root := t.TempDir()
	u, err := InstallManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)
	assertTree(t, root, files)
}

func TestUpdateManifests(t *testing.T) {
	oldFiles := map[string][]byte{
		"a.bin": []byte("stable9!!oldtail!!"),
		"c.bin": []byte("obsolete"),
	}
	newFiles := map[string][]byte{
		"a.bin": []byte("stable9!!newtail??"),
	}
	oldFix := testutil.BuildManifest(t, "b1", oldFiles, 9)
	newFix := testutil.BuildManifest(t, "b2", newFiles, 9)

	srvOld := testutil.NewChunkServer(t, oldFix.Bodies)
	defer srvOld.Close()
	root := t.TempDir()
	u, err := InstallManifest(context.Background(), oldFix.Manifest, dlFor(srvOld.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)

	srvNew := testutil.NewChunkServer(t, newFix.Bodies)
	defer srvNew.Close()
	u, err = UpdateManifests(context.Background(), newFix.Manifest, oldFix.Manifest, dlFor(srvNew.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)

	assertTree(t, root, newFiles)
	assert.NoFileExists(t, filepath.Join(root, "c.bin"), "file absent from target deleted")

	// The shared head chunk came out of the installed old file.
	shared := manifest.ChunkIDForBytes([]byte("stable9!!"))
	assert.Zero(t, srvNew.Hits(shared), "unchanged chunk extracted, not downloaded")
	tail := manifest.ChunkIDForBytes([]byte("newtail??"))
	assert.Equal(t, 1, srvNew.Hits(tail))
}

func TestUpdateDiff(t *testing.T) {
	oldFiles := map[string][]byte{
		"a.bin":   []byte("stable9!!old-data"),
		"old.cfg": []byte("settings"),
		"junk.db": []byte("remove me"),
	}
	oldFix := testutil.BuildManifest(t, "b1", oldFiles, 9)

	srvOld := testutil.NewChunkServer(t, oldFix.Bodies)
	defer srvOld.Close()
	root := t.TempDir()
	u, err := InstallManifest(context.Background(), oldFix.Manifest, dlFor(srvOld.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)

	newA := []byte("stable9!!new-data")
	tail := newA[9:]
	tailID := manifest.ChunkIDForBytes(tail)
	head := newA[:9]
	headID := manifest.ChunkIDForBytes(head)
	diff := &manifest.DiffManifest{
		FromBuildID: "b1",
		ToBuildID:   "b2",
		Files: []manifest.FileEntry{{
			Path: "a.bin", Size: uint64(len(newA)), MD5: fsutil.BytesMD5(newA),
			Chunks: []manifest.ChunkRef{
				{ID: headID, Offset: 0, Length: uint64(len(head))},
				{ID: tailID, Offset: uint64(len(head)), Length: uint64(len(tail))},
			},
		}},
		// Only the new tail chunk is downloadable; the head must come out
		// of the installed old a.bin.
		Chunks: []manifest.Chunk{{
			ID:               tailID,
			CompressedSize:   uint64(len(tail)),
			DecompressedSize: uint64(len(tail)),
			URLSuffix:        "chunks/" + string(tailID),
		}},
		Deletions: []string{"junk.db"},
		Renames:   []manifest.Rename{{From: "old.cfg", To: "cfg/new.cfg"}},
	}
	require.NoError(t, diff.Validate())

	srvNew := testutil.NewChunkServer(t, map[manifest.ChunkID][]byte{tailID: tail})
	defer srvNew.Close()

	u, err = UpdateDiff(context.Background(), diff, oldFix.Manifest, dlFor(srvNew.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)

	assertTree(t, root, map[string][]byte{
		"a.bin":       newA,
		"cfg/new.cfg": []byte("settings"),
	})
	assert.NoFileExists(t, filepath.Join(root, "old.cfg"))
	assert.NoFileExists(t, filepath.Join(root, "junk.db"))
	assert.Zero(t, srvNew.Hits(headID))
}

func TestPredownload(t *testing.T) {
	files := map[string][]byte{"a.bin": []byte("later-install")}
	fix := testutil.BuildManifest(t, "b1", files, 32)
	srv := testutil.NewChunkServer(t, fix.Bodies)
	defer srv.Close()

	root := t.TempDir()
	u, err := PredownloadManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)

	assert.NoFileExists(t, filepath.Join(root, "a.bin"))
	store, err := chunkstore.New(filepath.Join(root, chunkstore.DirName), false)
	require.NoError(t, err)
	for id := range fix.Bodies {
		assert.True(t, store.Probe(id), "chunk cached for the later install")
	}

	// The install after a predownload is network-free.
	hits := srv.TotalHits()
	u, err = InstallManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, testOpts())
	require.NoError(t, err)
	waitDone(t, u)
	assert.Equal(t, hits, srv.TotalHits())
	assertTree(t, root, files)
}

func TestKeepChunkCache(t *testing.T) {
	files := map[string][]byte{"a.bin": []byte("keep the cache")}
	fix := testutil.BuildManifest(t, "b1", files, 32)
	srv := testutil.NewChunkServer(t, fix.Bodies)
	defer srv.Close()

	root := t.TempDir()
	opts := testOpts()
	opts.KeepChunkCache = true
	u, err := InstallManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, opts)
	require.NoError(t, err)
	waitDone(t, u)

	assert.DirExists(t, filepath.Join(root, chunkstore.DirName))
	store, err := chunkstore.New(filepath.Join(root, chunkstore.DirName), false)
	require.NoError(t, err)
	for id := range fix.Bodies {
		assert.True(t, store.Probe(id))
	}
}

func TestCancellation(t *testing.T) {
	files := map[string][]byte{"a.bin": []byte("never finishes")}
	fix := testutil.BuildManifest(t, "b1", files, 32)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		http.Error(w, "too late", http.StatusInternalServerError)
	}))
	defer srv.Close()
	defer close(release)

	root := t.TempDir()
	u, err := InstallManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, testOpts())
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}
	u.Cancel()

	err = u.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCancelled)

	snap := u.Snapshot()
	assert.Equal(t, progress.StateFailed, snap.State)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, progress.FailureCancelled, snap.Failure.Kind)

	// No partial file may ever be visible at its final path.
	assert.NoFileExists(t, filepath.Join(root, "a.bin"))
}

func TestInstallRejectsEncryptedDownloads(t *testing.T) {
	fix := testutil.BuildManifest(t, "b1", map[string][]byte{"a.bin": []byte("x")}, 4)
	dl := dlFor("http://cdn.invalid")
	dl.Encryption = manifest.Encryption(1)

	_, err := InstallManifest(context.Background(), fix.Manifest, dl, t.TempDir(), testOpts())
	assert.ErrorIs(t, err, errors.ErrUnsupportedEncryption)
}

func TestInstallRejectsRelativeDestination(t *testing.T) {
	fix := testutil.BuildManifest(t, "b1", map[string][]byte{"a.bin": []byte("x")}, 4)
	_, err := InstallManifest(context.Background(), fix.Manifest, dlFor("http://cdn.invalid"), "relative/dest", testOpts())
	assert.ErrorIs(t, err, errors.ErrInvalidPath)
}

func TestInstallReportsChecksumFailure(t *testing.T) {
	files := map[string][]byte{"a.bin": []byte("payload!")}
	fix := testutil.BuildManifest(t, "b1", files, 8)
	// Valid chunks, wrong whole-file digest: assembly can never verify.
	fix.Manifest.Files[0].MD5 = fsutil.BytesMD5([]byte("not the payload"))
	srv := testutil.NewChunkServer(t, fix.Bodies)
	defer srv.Close()

	root := t.TempDir()
	u, err := InstallManifest(context.Background(), fix.Manifest, dlFor(srv.URL), root, testOpts())
	require.NoError(t, err)

	err = u.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChecksumMismatch)
	assert.NotErrorIs(t, err, errors.ErrCancelled)

	snap := u.Snapshot()
	assert.Equal(t, progress.StateFailed, snap.State)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, progress.FailureChecksum, snap.Failure.Kind)
	assert.NoFileExists(t, filepath.Join(root, "a.bin"))
}

func TestPoolErrorPrefersRootCause(t *testing.T) {
	cancelErr := errors.Wrap(errors.ErrCancelled, "fetch interrupted")
	realErr := errors.Wrap(errors.ErrChecksumMismatch, "file a.bin")

	assert.ErrorIs(t, poolError(cancelErr, realErr), errors.ErrChecksumMismatch)
	assert.ErrorIs(t, poolError(realErr, cancelErr), errors.ErrChecksumMismatch)
	assert.ErrorIs(t, poolError(nil, realErr), errors.ErrChecksumMismatch)
	assert.ErrorIs(t, poolError(realErr, nil), errors.ErrChecksumMismatch)
	assert.ErrorIs(t, poolError(cancelErr, nil), errors.ErrCancelled)
	assert.NoError(t, poolError(nil, nil))
}

func TestStoredChunksAdvanceStateToAssembling(t *testing.T) {
	tracker := progress.NewTracker()
	tracker.SetState(progress.StateDownloading)
	r := &run{
		tracker:    tracker,
		waiting:    map[manifest.ChunkID][]string{"c1": {"a.bin"}, "c2": {"a.bin"}},
		pending:    map[string]map[manifest.ChunkID]struct{}{"a.bin": {"c1": {}, "c2": {}}},
		files:      map[string]manifest.FileEntry{"a.bin": {Path: "a.bin"}},
		remaining:  1,
		assembleCh: make(chan manifest.FileEntry, 1),
	}

	r.onStored("c1")
	assert.Equal(t, progress.StateDownloading, tracker.Snapshot().State)

	r.onStored("c2")
	assert.Equal(t, progress.StateAssembling, tracker.Snapshot().State)
	assert.Len(t, r.assembleCh, 1)
}

func TestStoredChunksKeepDownloadingWhenChunksOnly(t *testing.T) {
	tracker := progress.NewTracker()
	tracker.SetState(progress.StateDownloading)
	r := &run{
		tracker:    tracker,
		chunksOnly: true,
		waiting:    map[manifest.ChunkID][]string{},
		pending:    map[string]map[manifest.ChunkID]struct{}{},
	}

	r.onStored("c1")
	assert.Equal(t, progress.StateDownloading, tracker.Snapshot().State)
}
