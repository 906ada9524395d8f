package fileops

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kadobaba55/clipforge/pkg/logger"
)

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// Exists checks if a file or directory exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes a file, ignoring a missing one.
func Remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("remove %s: %v", path, err)
	}
}

// CleanupOldFiles deletes regular files in dirs whose modification time is
// older than maxAge. Subdirectories and .gitkeep markers are left alone.
// Returns the number of files deleted and the bytes recovered.
func CleanupOldFiles(dirs []string, maxAge time.Duration) (int, int64) {
	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	var recovered int64

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warnf("cleanup: read %s: %v", dir, err)
			}
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || entry.Name() == ".gitkeep" {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}

			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				logger.Warnf("cleanup: remove %s: %v", path, err)
				continue
			}
			deleted++
			recovered += info.Size()
			logger.Debugf("cleanup: deleted %s (%.2f MB)", entry.Name(), float64(info.Size())/1024/1024)
		}
	}

	if deleted > 0 {
		logger.Infof("cleanup removed %d files, recovered %.2f MB", deleted, float64(recovered)/1024/1024)
	}
	return deleted, recovered
}
