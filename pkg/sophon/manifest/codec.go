package manifest

import (
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
)

// The wire format is a self-delimited binary record stream: every record is a
// field tag followed by a length-prefixed payload. Decoding is strict; an
// unknown record tag is a malformed manifest, not something to skip.
//
// Build manifest fields.
const (
	fieldManifestID      = 1 // string
	fieldManifestTag     = 2 // string
	fieldManifestBuildID = 3 // string
	fieldManifestAsset   = 4 // repeated asset record
	fieldManifestChunk   = 5 // repeated chunk record
)

// Asset record fields.
const (
	fieldAssetPath     = 1 // string
	fieldAssetSize     = 2 // varint
	fieldAssetMD5      = 3 // 16 raw bytes
	fieldAssetChunkRef = 4 // repeated chunk ref record
)

// Chunk ref record fields.
const (
	fieldRefID     = 1 // string
	fieldRefOffset = 2 // varint
	fieldRefLength = 3 // varint
)

// Chunk record fields.
const (
	fieldChunkID               = 1 // string
	fieldChunkCompressedSize   = 2 // varint
	fieldChunkDecompressedSize = 3 // varint
	fieldChunkCompression      = 4 // varint
	fieldChunkEncryption       = 5 // varint
	fieldChunkURLSuffix        = 6 // string
)

// Diff manifest fields.
const (
	fieldDiffFromBuildID = 1 // string
	fieldDiffToBuildID   = 2 // string
	fieldDiffAsset       = 3 // repeated asset record
	fieldDiffChunk       = 4 // repeated chunk record
	fieldDiffDeletion    = 5 // repeated string
	fieldDiffRename      = 6 // repeated rename record
)

// Rename record fields.
const (
	fieldRenameFrom = 1 // string
	fieldRenameTo   = 2 // string
)

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, errors.ErrMalformedManifest)...)
}

// Decode parses a build manifest from an already-decompressed record stream
// and validates it.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, malformed("truncated record tag")
		}
		data = data[n:]

		switch num {
		case fieldManifestID, fieldManifestTag, fieldManifestBuildID:
			s, rest, err := consumeString(data, typ)
			if err != nil {
				return nil, err
			}
			data = rest
			switch num {
			case fieldManifestID:
				m.ID = s
			case fieldManifestTag:
				m.Tag = s
			case fieldManifestBuildID:
				m.BuildID = s
			}
		case fieldManifestAsset:
			payload, rest, err := consumeRecord(data, typ)
			if err != nil {
				return nil, err
			}
			data = rest
			file, err := decodeAsset(payload)
			if err != nil {
				return nil, err
			}
			m.Files = append(m.Files, file)
		case fieldManifestChunk:
			payload, rest, err := consumeRecord(data, typ)
			if err != nil {
				return nil, err
			}
			data = rest
			chunk, err := decodeChunk(payload)
			if err != nil {
				return nil, err
			}
			m.Chunks = append(m.Chunks, chunk)
		default:
			return nil, malformed("unknown record tag %d", num)
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeDiff parses and validates a diff manifest record stream.
func DecodeDiff(data []byte) (*DiffManifest, error) {
	var d DiffManifest
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, malformed("truncated record tag")
		}
		data = data[n:]

		switch num {
		case fieldDiffFromBuildID, fieldDiffToBuildID, fieldDiffDeletion:
			s, rest, err := consumeString(data, typ)
			if err != nil {
				return nil, err
			}
			data = rest
			switch num {
			case fieldDiffFromBuildID:
				d.FromBuildID = s
			case fieldDiffToBuildID:
				d.ToBuildID = s
			case fieldDiffDeletion:
				d.Deletions = append(d.Deletions, s)
			}
		case fieldDiffAsset:
			payload, rest, err := consumeRecord(data, typ)
			if err != nil {
				return nil, err
			}
			data = rest
			file, err := decodeAsset(payload)
			if err != nil {
				return nil, err
			}
			d.Files = append(d.Files, file)
		case fieldDiffChunk:
			payload, rest, err := consumeRecord(data, typ)
			if err != nil {
				return nil, err
			}
			data = rest
			chunk, err := decodeChunk(payload)
			if err != nil {
				return nil, err
			}
			d.Chunks = append(d.Chunks, chunk)
		case fieldDiffRename:
			payload, rest, err := consumeRecord(data, typ)
			if err != nil {
				return nil, err
			}
			data = rest
			ren, err := decodeRename(payload)
			if err != nil {
				return nil, err
			}
			d.Renames = append(d.Renames, ren)
		default:
			return nil, malformed("unknown record tag %d", num)
		}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func decodeAsset(data []byte) (FileEntry, error) {
	var file FileEntry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return file, malformed("truncated asset record")
		}
		data = data[n:]

		switch num {
		case fieldAssetPath:
			s, rest, err := consumeString(data, typ)
			if err != nil {
				return file, err
			}
			data = rest
			file.Path = s
		case fieldAssetSize:
			v, rest, err := consumeVarint(data, typ)
			if err != nil {
				return file, err
			}
			data = rest
			file.Size = v
		case fieldAssetMD5:
			payload, rest, err := consumeRecord(data, typ)
			if err != nil {
				return file, err
			}
			data = rest
			if len(payload) != 16 {
				return file, malformed("asset checksum has %d bytes, want 16", len(payload))
			}
			file.MD5 = hex.EncodeToString(payload)
		case fieldAssetChunkRef:
			payload, rest, err := consumeRecord(data, typ)
			if err != nil {
				return file, err
			}
			data = rest
			ref, err := decodeChunkRef(payload)
			if err != nil {
				return file, err
			}
			file.Chunks = append(file.Chunks, ref)
		default:
			return file, malformed("unknown asset field %d", num)
		}
	}
	return file, nil
}

func decodeChunkRef(data []byte) (ChunkRef, error) {
	var ref ChunkRef
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ref, malformed("truncated chunk ref record")
		}
		data = data[n:]

		switch num {
		case fieldRefID:
			s, rest, err := consumeString(data, typ)
			if err != nil {
				return ref, err
			}
			data = rest
			ref.ID = ChunkID(s)
		case fieldRefOffset:
			v, rest, err := consumeVarint(data, typ)
			if err != nil {
				return ref, err
			}
			data = rest
			ref.Offset = v
		case fieldRefLength:
			v, rest, err := consumeVarint(data, typ)
			if err != nil {
				return ref, err
			}
			data = rest
			ref.Length = v
		default:
			return ref, malformed("unknown chunk ref field %d", num)
		}
	}
	return ref, nil
}

func decodeChunk(data []byte) (Chunk, error) {
	var chunk Chunk
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return chunk, malformed("truncated chunk record")
		}
		data = data[n:]

		switch num {
		case fieldChunkID:
			s, rest, err := consumeString(data, typ)
			if err != nil {
				return chunk, err
			}
			data = rest
			chunk.ID = ChunkID(s)
		case fieldChunkCompressedSize, fieldChunkDecompressedSize, fieldChunkCompression, fieldChunkEncryption:
			v, rest, err := consumeVarint(data, typ)
			if err != nil {
				return chunk, err
			}
			data = rest
			switch num {
			case fieldChunkCompressedSize:
				chunk.CompressedSize = v
			case fieldChunkDecompressedSize:
				chunk.DecompressedSize = v
			case fieldChunkCompression:
				chunk.Compression = Compression(v)
			case fieldChunkEncryption:
				chunk.Encryption = Encryption(v)
			}
		case fieldChunkURLSuffix:
			s, rest, err := consumeString(data, typ)
			if err != nil {
				return chunk, err
			}
			data = rest
			chunk.URLSuffix = s
		default:
			return chunk, malformed("unknown chunk field %d", num)
		}
	}
	return chunk, nil
}

func decodeRename(data []byte) (Rename, error) {
	var ren Rename
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ren, malformed("truncated rename record")
		}
		data = data[n:]

		s, rest, err := consumeString(data, typ)
		if err != nil {
			return ren, err
		}
		data = rest

		switch num {
		case fieldRenameFrom:
			ren.From = s
		case fieldRenameTo:
			ren.To = s
		default:
			return ren, malformed("unknown rename field %d", num)
		}
	}
	return ren, nil
}

func consumeRecord(data []byte, typ protowire.Type) ([]byte, []byte, error) {
	if typ != protowire.BytesType {
		return nil, nil, malformed("unexpected wire type %d", typ)
	}
	payload, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, nil, malformed("truncated record payload")
	}
	return payload, data[n:], nil
}

func consumeString(data []byte, typ protowire.Type) (string, []byte, error) {
	payload, rest, err := consumeRecord(data, typ)
	if err != nil {
		return "", nil, err
	}
	return string(payload), rest, nil
}

func consumeVarint(data []byte, typ protowire.Type) (uint64, []byte, error) {
	if typ != protowire.VarintType {
		return 0, nil, malformed("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, nil, malformed("truncated varint")
	}
	return v, data[n:], nil
}

// Encode serialises a build manifest back into the record stream format.
// The output of Encode round-trips through Decode.
func Encode(m *Manifest) ([]byte, error) {
	var out []byte
	out = appendString(out, fieldManifestID, m.ID)
	out = appendString(out, fieldManifestTag, m.Tag)
	out = appendString(out, fieldManifestBuildID, m.BuildID)

	for i := range m.Files {
		asset, err := encodeAsset(&m.Files[i])
		if err != nil {
			return nil, err
		}
		out = appendRecord(out, fieldManifestAsset, asset)
	}
	for i := range m.Chunks {
		out = appendRecord(out, fieldManifestChunk, encodeChunk(&m.Chunks[i]))
	}
	return out, nil
}

// EncodeDiff serialises a diff manifest into the record stream format.
func EncodeDiff(d *DiffManifest) ([]byte, error) {
	var out []byte
	out = appendString(out, fieldDiffFromBuildID, d.FromBuildID)
	out = appendString(out, fieldDiffToBuildID, d.ToBuildID)

	for i := range d.Files {
		asset, err := encodeAsset(&d.Files[i])
		if err != nil {
			return nil, err
		}
		out = appendRecord(out, fieldDiffAsset, asset)
	}
	for i := range d.Chunks {
		out = appendRecord(out, fieldDiffChunk, encodeChunk(&d.Chunks[i]))
	}
	for _, p := range d.Deletions {
		out = appendString(out, fieldDiffDeletion, p)
	}
	for _, ren := range d.Renames {
		var rec []byte
		rec = appendString(rec, fieldRenameFrom, ren.From)
		rec = appendString(rec, fieldRenameTo, ren.To)
		out = appendRecord(out, fieldDiffRename, rec)
	}
	return out, nil
}

func encodeAsset(file *FileEntry) ([]byte, error) {
	sum, err := hex.DecodeString(file.MD5)
	if err != nil || len(sum) != 16 {
		return nil, malformed("file %s has malformed checksum %q", file.Path, file.MD5)
	}

	var out []byte
	out = appendString(out, fieldAssetPath, file.Path)
	out = protowire.AppendTag(out, fieldAssetSize, protowire.VarintType)
	out = protowire.AppendVarint(out, file.Size)
	out = appendRecord(out, fieldAssetMD5, sum)
	for _, ref := range file.Chunks {
		var rec []byte
		rec = appendString(rec, fieldRefID, string(ref.ID))
		rec = protowire.AppendTag(rec, fieldRefOffset, protowire.VarintType)
		rec = protowire.AppendVarint(rec, ref.Offset)
		rec = protowire.AppendTag(rec, fieldRefLength, protowire.VarintType)
		rec = protowire.AppendVarint(rec, ref.Length)
		out = appendRecord(out, fieldAssetChunkRef, rec)
	}
	return out, nil
}

func encodeChunk(chunk *Chunk) []byte {
	var out []byte
	out = appendString(out, fieldChunkID, string(chunk.ID))
	out = protowire.AppendTag(out, fieldChunkCompressedSize, protowire.VarintType)
	out = protowire.AppendVarint(out, chunk.CompressedSize)
	out = protowire.AppendTag(out, fieldChunkDecompressedSize, protowire.VarintType)
	out = protowire.AppendVarint(out, chunk.DecompressedSize)
	out = protowire.AppendTag(out, fieldChunkCompression, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(chunk.Compression))
	out = protowire.AppendTag(out, fieldChunkEncryption, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(chunk.Encryption))
	out = appendString(out, fieldChunkURLSuffix, chunk.URLSuffix)
	return out
}

func appendRecord(out []byte, num protowire.Number, payload []byte) []byte {
	out = protowire.AppendTag(out, num, protowire.BytesType)
	return protowire.AppendBytes(out, payload)
}

func appendString(out []byte, num protowire.Number, s string) []byte {
	out = protowire.AppendTag(out, num, protowire.BytesType)
	return protowire.AppendString(out, s)
}
