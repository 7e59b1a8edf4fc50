// Package filesys provides the small set of file-system helpers shared by
// the storage and r2 packages: directory bootstrap, existence checks, and
// atomic whole-file replacement for checkpoint persistence.
package filesys

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

var ErrIsNotDir = errors.New("path isn't a directory")

// CreateDir creates a directory at dirPath with the given permissions.
//
// If the path already exists, force=false returns an "already exists"
// error. With force=true an existing directory is accepted, and an existing
// path that is not a directory returns ErrIsNotDir.
func CreateDir(dirPath string, permission os.FileMode, force bool) error {
	stat, err := os.Stat(dirPath)
	if !force && err == nil {
		return errors.New("directory already exists: " + dirPath)
	}
	if stat != nil && !stat.IsDir() {
		return ErrIsNotDir
	}
	if err := os.MkdirAll(dirPath, permission); err != nil {
		return err
	}
	return os.Chmod(dirPath, permission)
}

// Exists reports whether a file or directory exists at path.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// AtomicWriteFile replaces the contents of path with data without ever
// exposing a partially-written file to a concurrent reader: it writes to a
// sibling temp file and renames it into place. Used by R2 to persist hxi
// and root-entry checkpoints, and by storage to rewrite the mdisk header.
// Missing parent directories are created first.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, perm)
}
