// Package filesystem provides billy.Filesystem-backed path helpers shared
// by the cache manager and the image downloader.
package filesystem

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hepix-sync/atrope/pkg/logger"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// GetFilesystem returns a filesystem rooted at the provided path
func GetFilesystem(path string) billy.Filesystem {
	return osfs.New(path)
}

// PathExists checks if a path exists on the filesystem or returns an error.
// This goes through fs.Stat rather than a manually-joined os.Stat so it
// works against any billy.Filesystem implementation, not just osfs-backed
// ones (e.g. the memfs filesystems used in tests).
func PathExists(fs billy.Filesystem, path string) (bool, error) {
	logger.Log(slog.LevelDebug, "checking if path exists", slog.String("path", path))

	_, err := fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// CreateFileAndDirs creates a file on the filesystem and all relevant directories along the way if they do not exist.
// The file that is created must be closed by the caller.
func CreateFileAndDirs(fs billy.Filesystem, path string) (billy.File, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := fs.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("unable to create directory %s: %w", dir, err)
		}
	}
	return fs.Create(path)
}

// RemoveAll removes a path and everything underneath it. A missing path is not an error.
func RemoveAll(fs billy.Filesystem, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		// billy's in-memory filesystems don't support recursive removal via Remove;
		// fall back to a manual walk for directories.
		if info, statErr := fs.Lstat(path); statErr == nil && info.IsDir() {
			entries, readErr := fs.ReadDir(path)
			if readErr != nil {
				return readErr
			}
			for _, entry := range entries {
				if err := RemoveAll(fs, filepath.Join(path, entry.Name())); err != nil {
					return err
				}
			}
			if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		}
		return err
	}
	return nil
}

// RelativePathFunc is a function that is applied on a relative path in a filesystem.
type RelativePathFunc func(fs billy.Filesystem, path string, isDir bool) error

// WalkDir walks through a directory given by dirPath rooted in the filesystem and performs doFunc at the path.
// The path on each call will be relative to the filesystem provided.
func WalkDir(fs billy.Filesystem, dirPath string, doFunc RelativePathFunc) error {
	info, err := fs.Lstat(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := doFunc(fs, dirPath, info.IsDir()); err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	entries, err := fs.ReadDir(dirPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := WalkDir(fs, filepath.Join(dirPath, entry.Name()), doFunc); err != nil {
			return err
		}
	}
	return nil
}
