// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/trackdeck/internal/observability"
)

// SpillSuffix marks frame spill files written while recording.
const SpillSuffix = ".spill"

// DefaultCleanupAge is the default maximum age for orphaned temp files (1 hour).
const DefaultCleanupAge = 1 * time.Hour

// CleanupTempDir removes files left in the temp directory by earlier runs
// that did not exit cleanly: frame spill files of interrupted recordings and
// expanded copies of compressed recordings. Entries modified within maxAge
// are kept, since another process may still be using them.
//
// Returns the number of entries removed and any error encountered.
func CleanupTempDir(logger *slog.Logger, dir string, maxAge time.Duration) (int, error) {
	logger = observability.WithComponent(logger, "startup")

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("temp directory does not exist, skipping cleanup",
			"path", dir,
		)
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			"path", dir,
			"error", err,
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get temp entry info",
				"path", path,
				"error", err,
			)
			continue
		}
		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent temp entry",
				"path", path,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.Warn("failed to remove orphaned temp entry",
				"path", path,
				"error", err,
			)
			continue
		}

		kind := "expanded recording"
		if strings.HasSuffix(entry.Name(), SpillSuffix) {
			kind = "spill file"
		} else if entry.IsDir() {
			kind = "directory"
		}
		logger.Info("removed orphaned temp entry",
			"path", path,
			"kind", kind,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}
