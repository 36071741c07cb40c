package fsutil

import (
	"crypto/md5" //nolint:gosec // MD5 is mandated by the manifest format
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// BytesMD5 returns the lowercase hex MD5 digest of data.
func BytesMD5(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// FileMD5 computes the MD5 digest of a file without reading the whole
// contents into memory.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RegionMD5 computes the MD5 digest of length bytes starting at offset.
func RegionMD5(r io.ReadSeeker, offset, length uint64) (string, error) {
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek to region: %w", err)
	}

	h := md5.New() //nolint:gosec
	if _, err := io.CopyN(h, r, int64(length)); err != nil {
		return "", fmt.Errorf("failed to hash region: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckFile reports whether the file at path exists with the expected size
// and MD5 digest. A missing file is not an error.
func CheckFile(path string, size uint64, md5hex string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.Size() != int64(size) {
		return false, nil
	}

	got, err := FileMD5(path)
	if err != nil {
		return false, err
	}
	return got == md5hex, nil
}
