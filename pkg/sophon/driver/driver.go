// Package driver names the destination filesystem capability set the
// installer core works against. Implementations are chosen at run
// construction; OS is the only one shipped.
package driver

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/fsutil"
)

// ReadSeekCloser is what Open returns: enough to stream a file or hash one
// of its regions.
type ReadSeekCloser interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Driver is the capability set over the destination tree. All paths are
// relative POSIX paths as they appear in manifests.
type Driver interface {
	Exists(path string) bool
	Metadata(path string) (os.FileInfo, error)
	Open(path string) (ReadSeekCloser, error)
	WriteFile(path string, data []byte) error
	Rename(src, dst string) error
	CreateDirAll(path string) error
	Remove(path string) error
	ListDir(path string) ([]os.DirEntry, error)

	// CheckFile reports whether a file exists with the expected size and,
	// when md5hex is non-empty, the expected digest.
	CheckFile(path string, size uint64, md5hex string) (bool, error)
}

// OS implements Driver directly over the local filesystem, rooted at the
// destination directory.
type OS struct {
	root string
}

// NewOS returns a Driver rooted at the given absolute directory.
func NewOS(root string) (*OS, error) {
	if root == "" || !filepath.IsAbs(root) {
		return nil, errors.Wrapf(errors.ErrInvalidPath, "destination must be absolute: %s", root)
	}
	return &OS{root: root}, nil
}

// Root returns the destination root directory.
func (d *OS) Root() string { return d.root }

// Abs resolves a manifest-relative POSIX path below the root.
func (d *OS) Abs(path string) string {
	return filepath.Join(d.root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

// Exists reports whether the path exists.
func (d *OS) Exists(path string) bool {
	_, err := os.Stat(d.Abs(path))
	return err == nil
}

// Metadata stats the path.
func (d *OS) Metadata(path string) (os.FileInfo, error) {
	return os.Stat(d.Abs(path))
}

// Open opens the path for reading.
func (d *OS) Open(path string) (ReadSeekCloser, error) {
	return os.Open(d.Abs(path))
}

// WriteFile writes data to the path, creating parent directories as needed.
func (d *OS) WriteFile(path string, data []byte) error {
	abs := d.Abs(path)
	if err := fsutil.EnsureFileDir(abs); err != nil {
		return err
	}
	return os.WriteFile(abs, data, fsutil.FileModeDefault)
}

// Rename moves src to dst below the root.
func (d *OS) Rename(src, dst string) error {
	return fsutil.Move(d.Abs(src), d.Abs(dst))
}

// CreateDirAll creates the directory and its parents.
func (d *OS) CreateDirAll(path string) error {
	return fsutil.EnsureDir(d.Abs(path))
}

// Remove deletes the file at path.
func (d *OS) Remove(path string) error {
	return os.Remove(d.Abs(path))
}

// ListDir lists a directory below the root.
func (d *OS) ListDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(d.Abs(path))
}

// CheckFile reports whether the file matches the expected size and digest.
// An empty md5hex skips the digest and compares size only.
func (d *OS) CheckFile(path string, size uint64, md5hex string) (bool, error) {
	abs := d.Abs(path)
	if md5hex != "" {
		return fsutil.CheckFile(abs, size, md5hex)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Size() == int64(size), nil
}
