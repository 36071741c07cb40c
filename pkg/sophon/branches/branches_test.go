package branches

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	version "github.com/hashicorp/go-version"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/fsutil"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
	"github.com/an-anime-team/anime-game-core-sub001/test/testutil"
)

func writeEnvelope(t *testing.T, w http.ResponseWriter, retcode int, message string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	env := map[string]interface{}{"retcode": retcode, "message": message, "data": json.RawMessage(payload)}
	require.NoError(t, json.NewEncoder(w).Encode(env))
}

func TestGetBuild(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, buildPath, r.URL.Path)
		assert.Equal(t, "main", r.URL.Query().Get("branch"))
		assert.Equal(t, "pkg-1", r.URL.Query().Get("package_id"))
		writeEnvelope(t, w, 0, "OK", Downloads{
			BuildID: "build-7",
			Tag:     "5.4.0",
			Manifests: []DownloadEntry{
				{MatchingField: "game", Manifest: ManifestInfo{ID: "mf-1"}},
				{MatchingField: "en-us", Manifest: ManifestInfo{ID: "mf-2"}},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0, "")
	out, err := client.GetBuild(context.Background(), &PackageInfo{Branch: "main", PackageID: "pkg-1"})
	require.NoError(t, err)
	assert.Equal(t, "build-7", out.BuildID)

	entry, ok := out.EntryFor("game")
	require.True(t, ok)
	assert.Equal(t, "mf-1", entry.Manifest.ID)
	_, ok = out.EntryFor("ja-jp")
	assert.False(t, ok)
}

func TestAPIRetcodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, -1, "invalid password", struct{}{})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0, "")
	_, err := client.GetBuild(context.Background(), &PackageInfo{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDownloadFailed)
	assert.Contains(t, err.Error(), "invalid password")
}

func TestGetPatchBuildSelection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeEnvelope(t, w, 0, "OK", Diffs{
			BuildID: "build-8",
			Tag:     "5.5.0",
			Manifests: []DiffEntry{
				{
					MatchingField: "game",
					Manifest:      ManifestInfo{ID: "diff-1"},
					Stats: map[string]ManifestStats{
						"5.3.0": {},
						"5.4.0": {},
					},
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0, "")
	diffs, err := client.GetPatchBuild(context.Background(), &PackageInfo{})
	require.NoError(t, err)

	installed := version.Must(version.NewVersion("5.4.0"))
	entry, ok := diffs.EntryFor("game", installed)
	require.True(t, ok)
	assert.Equal(t, "diff-1", entry.Manifest.ID)

	tooOld := version.Must(version.NewVersion("5.2.0"))
	_, ok = diffs.EntryFor("game", tooOld)
	assert.False(t, ok)
}

func TestGameBranchesLatest(t *testing.T) {
	branches := &GameBranches{GameBranches: []GameBranchInfo{
		{Game: Game{ID: "gi"}, Main: PackageInfo{Tag: "5.9.0"}},
		{Game: Game{ID: "gi"}, Main: PackageInfo{Tag: "5.10.0"}},
		{Game: Game{ID: "hsr"}, Main: PackageInfo{Tag: "9.9.9"}},
	}}

	// Numeric comparison, not lexicographic: 5.10.0 > 5.9.0.
	latest, err := branches.Latest("gi")
	require.NoError(t, err)
	assert.Equal(t, "5.10.0", latest.Main.Tag)

	_, err = branches.Latest("zzz")
	assert.Error(t, err)
}

func blobServer(t *testing.T, id string, body []byte, encoding string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/blobs/"+id, r.URL.Path)
		if encoding != "" {
			w.Header().Set("Content-Encoding", encoding)
		}
		_, _ = w.Write(body)
	}))
}

func encodedFixture(t *testing.T) (*testutil.Fixture, []byte) {
	t.Helper()
	fix := testutil.BuildManifest(t, "b1", map[string][]byte{
		"a.bin": []byte("aaaabbbbcc"),
		"b.bin": []byte("dddddd"),
	}, 4)
	raw, err := manifest.Encode(fix.Manifest)
	require.NoError(t, err)
	return fix, raw
}

func TestFetchManifestPlain(t *testing.T) {
	fix, raw := encodedFixture(t)
	srv := blobServer(t, "mf-1", raw, "")
	defer srv.Close()

	client := NewClient(srv.URL, 0, "")
	info := &ManifestInfo{ID: "mf-1", Checksum: fsutil.BytesMD5(raw)}
	dl := &DownloadInfo{URLPrefix: srv.URL, URLSuffix: "/blobs"}

	m, err := client.FetchManifest(context.Background(), info, dl)
	require.NoError(t, err)
	assert.Equal(t, fix.Manifest.BuildID, m.BuildID)
	assert.Equal(t, len(fix.Manifest.Files), len(m.Files))
}

func TestFetchManifestGzip(t *testing.T) {
	fix, raw := encodedFixture(t)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	srv := blobServer(t, "mf-1", buf.Bytes(), "gzip")
	defer srv.Close()

	client := NewClient(srv.URL, 0, "")
	m, err := client.FetchManifest(context.Background(),
		&ManifestInfo{ID: "mf-1"}, &DownloadInfo{URLPrefix: srv.URL, URLSuffix: "/blobs"})
	require.NoError(t, err)
	assert.Equal(t, fix.Manifest.BuildID, m.BuildID)
}

func TestFetchManifestBrotli(t *testing.T) {
	fix, raw := encodedFixture(t)
	var buf bytes.Buffer
	br := brotli.NewWriter(&buf)
	_, err := br.Write(raw)
	require.NoError(t, err)
	require.NoError(t, br.Close())

	srv := blobServer(t, "mf-1", buf.Bytes(), "br")
	defer srv.Close()

	client := NewClient(srv.URL, 0, "")
	m, err := client.FetchManifest(context.Background(),
		&ManifestInfo{ID: "mf-1"}, &DownloadInfo{URLPrefix: srv.URL, URLSuffix: "/blobs"})
	require.NoError(t, err)
	assert.Equal(t, fix.Manifest.BuildID, m.BuildID)
}

func TestFetchManifestZstd(t *testing.T) {
	fix, raw := encodedFixture(t)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	frame := enc.EncodeAll(raw, nil)
	require.NoError(t, enc.Close())

	srv := blobServer(t, "mf-1", frame, "")
	defer srv.Close()

	client := NewClient(srv.URL, 0, "")
	info := &ManifestInfo{ID: "mf-1", Checksum: fsutil.BytesMD5(raw)}
	dl := &DownloadInfo{URLPrefix: srv.URL, URLSuffix: "/blobs", Compression: 1}

	m, err := client.FetchManifest(context.Background(), info, dl)
	require.NoError(t, err)
	assert.Equal(t, fix.Manifest.BuildID, m.BuildID)
}

func TestFetchManifestChecksumMismatch(t *testing.T) {
	_, raw := encodedFixture(t)
	srv := blobServer(t, "mf-1", raw, "")
	defer srv.Close()

	client := NewClient(srv.URL, 0, "")
	info := &ManifestInfo{ID: "mf-1", Checksum: fsutil.BytesMD5([]byte("other"))}
	_, err := client.FetchManifest(context.Background(), info,
		&DownloadInfo{URLPrefix: srv.URL, URLSuffix: "/blobs"})
	assert.ErrorIs(t, err, errors.ErrChecksumMismatch)
}

func TestFetchManifestRejectsEncryption(t *testing.T) {
	client := NewClient("http://invalid.localhost", 0, "")
	_, err := client.FetchManifest(context.Background(),
		&ManifestInfo{ID: "mf-1"}, &DownloadInfo{Encryption: 1})
	assert.ErrorIs(t, err, errors.ErrUnsupportedEncryption)
}

func TestManifestStatsValidate(t *testing.T) {
	fix, _ := encodedFixture(t)
	m := fix.Manifest

	good := ManifestStats{
		CompressedSize:   fmt.Sprint(m.TotalBytesCompressed()),
		UncompressedSize: fmt.Sprint(m.TotalBytesDecompressed()),
		FileCount:        fmt.Sprint(m.TotalFiles()),
		ChunkCount:       fmt.Sprint(m.TotalChunks()),
	}
	assert.NoError(t, good.Validate(m))

	partial := ManifestStats{FileCount: fmt.Sprint(m.TotalFiles())}
	assert.NoError(t, partial.Validate(m), "empty fields are skipped")

	bad := good
	bad.ChunkCount = "9999"
	assert.ErrorIs(t, bad.Validate(m), errors.ErrManifestStatsMismatch)

	garbage := ManifestStats{FileCount: "not-a-number"}
	assert.ErrorIs(t, garbage.Validate(m), errors.ErrMalformedManifest)
}
