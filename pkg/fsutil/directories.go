package fsutil

import (
	"os"
	"path/filepath"
)

// EnsureDir creates a directory and all necessary parent directories with
// default permissions if they don't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, DirModeDefault)
}

// EnsureFileDir creates the parent directory of a file path if it doesn't
// exist. Useful before creating or renaming a file into place.
func EnsureFileDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}
