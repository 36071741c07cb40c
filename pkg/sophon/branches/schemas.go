// Package branches talks to the vendor launcher API: branch discovery,
// build and patch-build lookups, and downloading the binary manifest blobs
// they point at.
package branches

import (
	"fmt"
	"strconv"
	"strings"

	version "github.com/hashicorp/go-version"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
)

// GameBranches is the getGameBranches payload.
type GameBranches struct {
	GameBranches []GameBranchInfo `json:"game_branches"`
}

// GameBranchInfo describes one game's live and predownload branches.
type GameBranchInfo struct {
	Game        Game         `json:"game"`
	Main        PackageInfo  `json:"main"`
	PreDownload *PackageInfo `json:"pre_download"`
}

type Game struct {
	ID  string `json:"id"`
	Biz string `json:"biz"`
}

// PackageInfo carries the credentials getBuild and getPatchBuild expect.
type PackageInfo struct {
	PackageID  string            `json:"package_id"`
	Branch     string            `json:"branch"`
	Password   string            `json:"password"`
	Tag        string            `json:"tag"`
	DiffTags   []string          `json:"diff_tags"`
	Categories []PackageCategory `json:"categories"`
}

type PackageCategory struct {
	CategoryID    string `json:"category_id"`
	MatchingField string `json:"matching_field"`
}

// Version parses the branch tag.
func (p *PackageInfo) Version() (*version.Version, error) {
	v, err := version.NewVersion(p.Tag)
	if err != nil {
		return nil, fmt.Errorf("branch tag %q: %v: %w", p.Tag, err, errors.ErrMalformedManifest)
	}
	return v, nil
}

// Latest returns the branch info with the highest main tag for the game id.
func (g *GameBranches) Latest(gameID string) (*GameBranchInfo, error) {
	var (
		best    *GameBranchInfo
		bestVer *version.Version
	)
	for i := range g.GameBranches {
		info := &g.GameBranches[i]
		if info.Game.ID != gameID {
			continue
		}
		v, err := info.Main.Version()
		if err != nil {
			return nil, err
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = info, v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no branches for game %s: %w", gameID, errors.ErrMalformedManifest)
	}
	return best, nil
}

// Downloads is the getBuild payload: per-category manifests for one build.
type Downloads struct {
	BuildID   string          `json:"build_id"`
	Tag       string          `json:"tag"`
	Manifests []DownloadEntry `json:"manifests"`
}

// EntryFor picks the manifest entry for a matching field, usually "game" or
// a voiceover language.
func (d *Downloads) EntryFor(matchingField string) (*DownloadEntry, bool) {
	for i := range d.Manifests {
		if d.Manifests[i].MatchingField == matchingField {
			return &d.Manifests[i], true
		}
	}
	return nil, false
}

type DownloadEntry struct {
	CategoryID        string        `json:"category_id"`
	CategoryName      string        `json:"category_name"`
	MatchingField     string        `json:"matching_field"`
	Manifest          ManifestInfo  `json:"manifest"`
	ChunkDownload     DownloadInfo  `json:"chunk_download"`
	ManifestDownload  DownloadInfo  `json:"manifest_download"`
	Stats             ManifestStats `json:"stats"`
	DeduplicatedStats ManifestStats `json:"deduplicated_stats"`
}

// Diffs is the getPatchBuild payload.
type Diffs struct {
	BuildID   string      `json:"build_id"`
	PatchID   string      `json:"patch_id"`
	Tag       string      `json:"tag"`
	Manifests []DiffEntry `json:"manifests"`
}

// EntryFor picks the diff entry for a matching field whose stats cover the
// installed version, so callers only apply diffs that actually start at
// their build.
func (d *Diffs) EntryFor(matchingField string, installed *version.Version) (*DiffEntry, bool) {
	for i := range d.Manifests {
		entry := &d.Manifests[i]
		if entry.MatchingField != matchingField {
			continue
		}
		if installed == nil || entry.SupportsFrom(installed) {
			return entry, true
		}
	}
	return nil, false
}

type DiffEntry struct {
	CategoryID       string                   `json:"category_id"`
	CategoryName     string                   `json:"category_name"`
	MatchingField    string                   `json:"matching_field"`
	Manifest         ManifestInfo             `json:"manifest"`
	DiffDownload     DownloadInfo             `json:"diff_download"`
	ManifestDownload DownloadInfo             `json:"manifest_download"`
	Stats            map[string]ManifestStats `json:"stats"`
}

// SupportsFrom reports whether the diff's stats list the installed version
// as a valid starting point. Keys are version strings and may differ in
// formatting, so they are compared parsed.
func (e *DiffEntry) SupportsFrom(installed *version.Version) bool {
	for from := range e.Stats {
		v, err := version.NewVersion(from)
		if err != nil {
			continue
		}
		if v.Equal(installed) {
			return true
		}
	}
	return false
}

// ManifestInfo locates one manifest blob on the CDN.
type ManifestInfo struct {
	ID               string `json:"id"`
	Checksum         string `json:"checksum"`
	CompressedSize   string `json:"compressed_size"`
	UncompressedSize string `json:"uncompressed_size"`
}

// DownloadInfo carries the CDN base and transfer parameters for either a
// manifest blob or the chunk files it references.
type DownloadInfo struct {
	Encryption  uint8  `json:"encryption"`
	Password    string `json:"password"`
	Compression uint8  `json:"compression"`
	URLPrefix   string `json:"url_prefix"`
	URLSuffix   string `json:"url_suffix"`
}

// Base joins prefix and suffix into the URL chunks and blobs hang off.
func (d *DownloadInfo) Base() string {
	return strings.TrimRight(d.URLPrefix+d.URLSuffix, "/")
}

// ChunkDownloadInfo converts the envelope's chunk transfer parameters into
// the installer's endpoint form.
func (d *DownloadInfo) ChunkDownloadInfo() manifest.DownloadInfo {
	return manifest.DownloadInfo{
		Endpoints:   []manifest.Endpoint{{URL: d.Base(), Priority: 0}},
		Password:    d.Password,
		Compression: manifest.Compression(d.Compression),
		Encryption:  manifest.Encryption(d.Encryption),
	}
}

// ManifestStats are summary numbers the API serialises as strings.
type ManifestStats struct {
	CompressedSize   string `json:"compressed_size"`
	UncompressedSize string `json:"uncompressed_size"`
	FileCount        string `json:"file_count"`
	ChunkCount       string `json:"chunk_count"`
}

func (s *ManifestStats) value(field, raw string) (uint64, bool, error) {
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("stats %s %q: %w", field, raw, errors.ErrMalformedManifest)
	}
	return n, true, nil
}

// Validate compares the decoded manifest's aggregates against the envelope
// stats. Empty stat fields are skipped; populated ones must match.
func (s *ManifestStats) Validate(m *manifest.Manifest) error {
	checks := []struct {
		field string
		raw   string
		got   uint64
	}{
		{"compressed_size", s.CompressedSize, m.TotalBytesCompressed()},
		{"uncompressed_size", s.UncompressedSize, m.TotalBytesDecompressed()},
		{"file_count", s.FileCount, m.TotalFiles()},
		{"chunk_count", s.ChunkCount, m.TotalChunks()},
	}
	for _, c := range checks {
		want, present, err := s.value(c.field, c.raw)
		if err != nil {
			return err
		}
		if present && want != c.got {
			return fmt.Errorf("%s: got %d, want %d: %w", c.field, c.got, want, errors.ErrManifestStatsMismatch)
		}
	}
	return nil
}
