// Package manifest holds the Sophon build manifest model: files composed of
// ordered chunk references, plus the deduplicated chunk descriptors the
// references point at. A decoded manifest is immutable.
package manifest

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/fsutil"
)

// ChunkIDLen is the length of a chunk id: the lowercase hex MD5 digest of the
// decompressed chunk contents.
const ChunkIDLen = 32

// ChunkID identifies a decompressed chunk by its content digest.
type ChunkID string

// Validate checks that the id is a well-formed lowercase hex digest.
func (id ChunkID) Validate() error {
	if len(id) != ChunkIDLen {
		return fmt.Errorf("chunk id %q has length %d, want %d: %w", id, len(id), ChunkIDLen, errors.ErrMalformedManifest)
	}
	if _, err := hex.DecodeString(string(id)); err != nil {
		return fmt.Errorf("chunk id %q is not hex: %w", id, errors.ErrMalformedManifest)
	}
	if strings.ToLower(string(id)) != string(id) {
		return fmt.Errorf("chunk id %q is not lowercase: %w", id, errors.ErrMalformedManifest)
	}
	return nil
}

// ChunkIDForBytes computes the chunk id of decompressed chunk contents.
func ChunkIDForBytes(data []byte) ChunkID {
	return ChunkID(fsutil.BytesMD5(data))
}

// Compression identifies how a chunk is compressed on the CDN.
type Compression uint8

// Supported compression schemes.
const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// Validate rejects compression schemes this client cannot decode.
func (c Compression) Validate() error {
	switch c {
	case CompressionNone, CompressionZstd:
		return nil
	default:
		return fmt.Errorf("compression scheme %d: %w", c, errors.ErrUnsupportedCompression)
	}
}

// Encryption identifies how a chunk is encrypted on the CDN. The schemas
// carry the value but no algorithm identifier, so anything non-zero is
// rejected before a download starts.
type Encryption uint8

// EncryptionNone is the only accepted encryption scheme.
const EncryptionNone Encryption = 0

// Validate rejects encrypted chunks.
func (e Encryption) Validate() error {
	if e != EncryptionNone {
		return fmt.Errorf("encryption scheme %d: %w", e, errors.ErrUnsupportedEncryption)
	}
	return nil
}

// Chunk describes one downloadable chunk. The fetch URL is formed by joining
// an endpoint prefix from the enclosing DownloadInfo with URLSuffix.
type Chunk struct {
	ID               ChunkID
	CompressedSize   uint64
	DecompressedSize uint64
	Compression      Compression
	Encryption       Encryption
	URLSuffix        string
}

// ChunkRef places a chunk's bytes inside a file.
type ChunkRef struct {
	ID     ChunkID
	Offset uint64 // offset of the chunk's bytes within the file
	Length uint64 // number of bytes the chunk contributes
}

// FileEntry describes one target file as an ordered sequence of chunk
// references. Offsets are contiguous from zero and lengths sum to Size.
type FileEntry struct {
	Path   string
	Size   uint64
	MD5    string // lowercase hex whole-file digest
	Chunks []ChunkRef
}

// ValidatePath checks that p is a clean relative POSIX path.
func ValidatePath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return fmt.Errorf("path %q: %w", p, errors.ErrInvalidPath)
	}
	if cleaned := path.Clean(p); cleaned != p || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("path %q: %w", p, errors.ErrInvalidPath)
	}
	return nil
}

// Validate checks the per-file invariants.
func (f *FileEntry) Validate() error {
	if err := ValidatePath(f.Path); err != nil {
		return err
	}
	if len(f.MD5) != ChunkIDLen {
		return fmt.Errorf("file %s has malformed checksum %q: %w", f.Path, f.MD5, errors.ErrMalformedManifest)
	}

	var offset uint64
	for _, ref := range f.Chunks {
		if err := ref.ID.Validate(); err != nil {
			return errors.Wrapf(err, "file %s", f.Path)
		}
		if ref.Offset != offset {
			return fmt.Errorf("file %s has a gap at offset %d (chunk %s starts at %d): %w",
				f.Path, offset, ref.ID, ref.Offset, errors.ErrMalformedManifest)
		}
		if ref.Length == 0 {
			return fmt.Errorf("file %s references zero bytes of chunk %s: %w", f.Path, ref.ID, errors.ErrMalformedManifest)
		}
		offset += ref.Length
	}
	if offset != f.Size {
		return fmt.Errorf("file %s chunk lengths sum to %d, want %d: %w", f.Path, offset, f.Size, errors.ErrMalformedManifest)
	}
	return nil
}

// Manifest is a declarative description of a target file tree.
type Manifest struct {
	ID      string
	Tag     string
	BuildID string
	Files   []FileEntry
	Chunks  []Chunk // manifest-declared order, deduplicated
}

// IndexChunks builds a lookup table over a chunk list.
func IndexChunks(chunks []Chunk) map[ChunkID]Chunk {
	index := make(map[ChunkID]Chunk, len(chunks))
	for _, chunk := range chunks {
		index[chunk.ID] = chunk
	}
	return index
}

// Validate checks the manifest invariants: unique file paths, unique and
// well-formed chunk descriptors, every referenced chunk declared, and the
// per-file span invariants.
func (m *Manifest) Validate() error {
	declared := make(map[ChunkID]struct{}, len(m.Chunks))
	for _, chunk := range m.Chunks {
		if err := chunk.ID.Validate(); err != nil {
			return err
		}
		if _, dup := declared[chunk.ID]; dup {
			return fmt.Errorf("chunk %s declared twice: %w", chunk.ID, errors.ErrMalformedManifest)
		}
		declared[chunk.ID] = struct{}{}
		if chunk.DecompressedSize == 0 {
			return fmt.Errorf("chunk %s has zero decompressed size: %w", chunk.ID, errors.ErrMalformedManifest)
		}
	}

	paths := make(map[string]struct{}, len(m.Files))
	for i := range m.Files {
		file := &m.Files[i]
		if err := file.Validate(); err != nil {
			return err
		}
		if _, dup := paths[file.Path]; dup {
			return fmt.Errorf("%w: %s", errors.ErrDuplicateFilePath, file.Path)
		}
		paths[file.Path] = struct{}{}
		for _, ref := range file.Chunks {
			if _, ok := declared[ref.ID]; !ok {
				return fmt.Errorf("%w: %s (referenced by %s)", errors.ErrUndeclaredChunk, ref.ID, file.Path)
			}
		}
	}
	return nil
}

// TotalBytesCompressed sums the compressed size of every declared chunk.
func (m *Manifest) TotalBytesCompressed() uint64 {
	var total uint64
	for _, chunk := range m.Chunks {
		total += chunk.CompressedSize
	}
	return total
}

// TotalBytesDecompressed sums the decompressed size of every declared chunk.
func (m *Manifest) TotalBytesDecompressed() uint64 {
	var total uint64
	for _, chunk := range m.Chunks {
		total += chunk.DecompressedSize
	}
	return total
}

// TotalChunks returns the number of declared chunks.
func (m *Manifest) TotalChunks() uint64 { return uint64(len(m.Chunks)) }

// TotalFiles returns the number of declared files.
func (m *Manifest) TotalFiles() uint64 { return uint64(len(m.Files)) }

// Rename declares that a prior-build file moved to a new path.
type Rename struct {
	From string
	To   string
}

// DiffManifest describes the upgrade from one build to another: changed and
// new files only, plus declared deletions and renames. Chunks satisfiable
// from the installed prior build may be omitted from Chunks; the planner
// proves resolvability.
type DiffManifest struct {
	FromBuildID string
	ToBuildID   string
	Files       []FileEntry
	Chunks      []Chunk
	Deletions   []string
	Renames     []Rename
}

// Validate checks the structural invariants of a diff manifest. Chunk
// resolvability against the installed build is proven during planning.
func (d *DiffManifest) Validate() error {
	declared := make(map[ChunkID]struct{}, len(d.Chunks))
	for _, chunk := range d.Chunks {
		if err := chunk.ID.Validate(); err != nil {
			return err
		}
		if _, dup := declared[chunk.ID]; dup {
			return fmt.Errorf("chunk %s declared twice: %w", chunk.ID, errors.ErrMalformedManifest)
		}
		declared[chunk.ID] = struct{}{}
	}

	paths := make(map[string]struct{}, len(d.Files))
	for i := range d.Files {
		file := &d.Files[i]
		if err := file.Validate(); err != nil {
			return err
		}
		if _, dup := paths[file.Path]; dup {
			return fmt.Errorf("%w: %s", errors.ErrDuplicateFilePath, file.Path)
		}
		paths[file.Path] = struct{}{}
	}

	for _, p := range d.Deletions {
		if err := ValidatePath(p); err != nil {
			return err
		}
	}
	for _, ren := range d.Renames {
		if err := ValidatePath(ren.From); err != nil {
			return err
		}
		if err := ValidatePath(ren.To); err != nil {
			return err
		}
	}
	return nil
}

// Endpoint is one CDN base URL with its selection priority (lower wins).
type Endpoint struct {
	URL      string
	Priority int
}

// DownloadInfo is the carrier data returned by the CDN resolver alongside a
// manifest. The password is opaque; it is only meaningful for encrypted
// chunks, which this client rejects.
type DownloadInfo struct {
	Endpoints   []Endpoint
	Password    string
	Compression Compression
	Encryption  Encryption
}

// Validate rejects carrier data this client cannot serve.
func (d *DownloadInfo) Validate() error {
	if len(d.Endpoints) == 0 {
		return fmt.Errorf("download info has no endpoints: %w", errors.ErrDownloadFailed)
	}
	if err := d.Compression.Validate(); err != nil {
		return err
	}
	return d.Encryption.Validate()
}
