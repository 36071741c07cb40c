// Package testutil provides shared fixtures for installer tests: building
// manifests from literal file contents and serving their chunks over HTTP.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/fsutil"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
)

// Fixture is a synthetic build: a manifest plus the decompressed bytes of
// every chunk it declares.
type Fixture struct {
	Manifest *manifest.Manifest
	Bodies   map[manifest.ChunkID][]byte // decompressed chunk contents
	Files    map[string][]byte           // whole-file contents by path
}

// BuildManifest splits the given file contents into fixed-size chunks,
// deduplicates them by digest, and assembles a valid manifest. Chunk order
// follows sorted path order so fixtures are deterministic.
func BuildManifest(t *testing.T, buildID string, files map[string][]byte, chunkSize int) *Fixture {
	t.Helper()
	if chunkSize <= 0 {
		chunkSize = 4
	}

	fix := &Fixture{
		Manifest: &manifest.Manifest{ID: "fixture-" + buildID, Tag: buildID, BuildID: buildID},
		Bodies:   map[manifest.ChunkID][]byte{},
		Files:    files,
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	declared := map[manifest.ChunkID]struct{}{}
	for _, p := range paths {
		content := files[p]
		entry := manifest.FileEntry{
			Path: p,
			Size: uint64(len(content)),
			MD5:  fsutil.BytesMD5(content),
		}
		for off := 0; off < len(content); off += chunkSize {
			end := off + chunkSize
			if end > len(content) {
				end = len(content)
			}
			body := content[off:end]
			id := manifest.ChunkIDForBytes(body)
			entry.Chunks = append(entry.Chunks, manifest.ChunkRef{
				ID:     id,
				Offset: uint64(off),
				Length: uint64(len(body)),
			})
			if _, seen := declared[id]; !seen {
				declared[id] = struct{}{}
				fix.Bodies[id] = body
				fix.Manifest.Chunks = append(fix.Manifest.Chunks, manifest.Chunk{
					ID:               id,
					CompressedSize:   uint64(len(body)),
					DecompressedSize: uint64(len(body)),
					Compression:      manifest.CompressionNone,
					URLSuffix:        "chunks/" + string(id),
				})
			}
		}
		fix.Manifest.Files = append(fix.Manifest.Files, entry)
	}

	if err := fix.Manifest.Validate(); err != nil {
		t.Fatalf("fixture manifest invalid: %v", err)
	}
	return fix
}

// Zstd recompresses every chunk body with zstd and adjusts the manifest
// descriptors accordingly.
func (f *Fixture) Zstd(t *testing.T) map[manifest.ChunkID][]byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()

	compressed := make(map[manifest.ChunkID][]byte, len(f.Bodies))
	for i := range f.Manifest.Chunks {
		chunk := &f.Manifest.Chunks[i]
		frame := enc.EncodeAll(f.Bodies[chunk.ID], nil)
		compressed[chunk.ID] = frame
		chunk.Compression = manifest.CompressionZstd
		chunk.CompressedSize = uint64(len(frame))
	}
	return compressed
}

// ChunkServer serves chunk payloads at /chunks/<id> and counts requests per
// chunk. Payloads default to the decompressed bodies; pass the result of
// Zstd to serve compressed frames instead.
type ChunkServer struct {
	*httptest.Server

	mu       sync.Mutex
	payloads map[manifest.ChunkID][]byte
	hits     map[manifest.ChunkID]int
}

// NewChunkServer starts an httptest server for the given payloads. The
// caller owns shutdown via Server.Close.
func NewChunkServer(t *testing.T, payloads map[manifest.ChunkID][]byte) *ChunkServer {
	t.Helper()
	cs := &ChunkServer{payloads: payloads, hits: map[manifest.ChunkID]int{}}
	cs.Server = httptest.NewServer(http.HandlerFunc(cs.serve))
	return cs
}

func (cs *ChunkServer) serve(w http.ResponseWriter, r *http.Request) {
	const prefix = "/chunks/"
	if len(r.URL.Path) <= len(prefix) {
		http.NotFound(w, r)
		return
	}
	id := manifest.ChunkID(r.URL.Path[len(prefix):])

	cs.mu.Lock()
	payload, ok := cs.payloads[id]
	cs.hits[id]++
	cs.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
	_, _ = w.Write(payload)
}

// Hits returns how many times the chunk was requested.
func (cs *ChunkServer) Hits(id manifest.ChunkID) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.hits[id]
}

// TotalHits returns the total number of chunk requests served.
func (cs *ChunkServer) TotalHits() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	total := 0
	for _, n := range cs.hits {
		total += n
	}
	return total
}

// Corrupt replaces the payload served for a chunk. Restore by calling again
// with the original payload.
func (cs *ChunkServer) Corrupt(id manifest.ChunkID, payload []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.payloads[id] = payload
}
