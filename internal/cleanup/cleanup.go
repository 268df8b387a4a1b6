package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/edman/internal/logctx"
	"github.com/italolelis/edman/internal/telemetry"
)

// Tracked reports the staging paths, relative to the download directory,
// that are still in use.
type Tracked func() []string

// DeleteExpiredFiles deletes files in dir/subdir older than keepDuration
// that are not tracked. It returns the number of files removed.
func DeleteExpiredFiles(ctx context.Context, downloadDir, subdir string, tracked Tracked, keepDuration time.Duration, tel *telemetry.Telemetry) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	stagingDir := filepath.Join(downloadDir, subdir)

	entries, err := os.ReadDir(stagingDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	inUse := make(map[string]bool)
	for _, p := range tracked() {
		inUse[filepath.Join(downloadDir, filepath.FromSlash(p))] = true
	}

	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(stagingDir, entry.Name())
		if inUse[filePath] || inUse[trimPartial(filePath)] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // already moved
			}

			logger.Error("failed to stat staging file", "file", filePath, "err", err)

			return removed, err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete expired staging file", "file", filePath, "err", err)
			tel.RecordSystemError("cleanup", "remove")

			return removed, err
		}

		removed++

		logger.Info("deleted expired staging file", "file", filePath)
	}

	tel.RecordStagingRemoved(removed)

	return removed, nil
}

func trimPartial(p string) string {
	if ext := filepath.Ext(p); ext == ".part" {
		return p[:len(p)-len(ext)]
	}

	return p
}
