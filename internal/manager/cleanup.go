package manager

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CleanupOldFiles removes downloaded files older than maxAge from the
// per-user download directories and returns how many were deleted.
func (m *Manager) CleanupOldFiles(maxAge time.Duration) int {
	removed := SweepOldFiles(m.log, m.opts.DownloadDir, maxAge)
	if removed > 0 {
		m.log.Info("cleaned up old downloads", "removed", removed, "max_age", maxAge)
	}
	return removed
}

// SweepOldFiles walks the per-user directories under dir and unlinks files
// whose mtime is past maxAge. Per-file errors are logged and skipped so
// one stubborn path cannot stop the sweep.
func SweepOldFiles(log *slog.Logger, dir string, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	userDirs, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("read download directory", "dir", dir, "error", err)
		}
		return 0
	}

	for _, userDir := range userDirs {
		if !userDir.IsDir() {
			continue
		}
		sub := filepath.Join(dir, userDir.Name())
		entries, err := os.ReadDir(sub)
		if err != nil {
			log.Error("read user directory", "dir", sub, "error", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				log.Error("stat download", "file", entry.Name(), "error", err)
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(sub, entry.Name())
			if err := os.Remove(path); err != nil {
				log.Error("remove old download", "file", path, "error", err)
				continue
			}
			removed++
		}
	}
	return removed
}
