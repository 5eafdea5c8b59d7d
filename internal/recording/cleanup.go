package recording

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/naming"
)

// CleanupInterval is how often leftover temporary files are swept.
const CleanupInterval = time.Hour

// StartCleanup sweeps the recordings directory for leftover temporary
// files now and then every interval until stop is closed.
func (o *Orchestrator) StartCleanup(maxAge, interval time.Duration, stop <-chan struct{}) {
	go func() {
		o.CleanupTemp(maxAge)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.CleanupTemp(maxAge)
			case <-stop:
				slog.Info("cleanup scheduler stopped")
				return
			case <-o.ctx.Done():
				return
			}
		}
	}()
}

// CleanupTemp removes temporary files older than maxAge and returns how
// many were deleted. Files still in use by a running reduction are young
// enough to be skipped; files that have a row are recordings and are
// never removed.
func (o *Orchestrator) CleanupTemp(maxAge time.Duration) int {
	dir := o.opts.RecordingsDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("cleanup: failed to read recordings directory", "path", dir, "error", err)
		return 0
	}

	cutoff := o.now().Add(-maxAge)
	var deleted int
	for _, entry := range entries {
		if entry.IsDir() || !isTempName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		p := filepath.Join(dir, entry.Name())
		if rec, err := o.store.ByPath(o.ctx, p); err != nil || rec != nil {
			if err != nil {
				slog.Warn("cleanup: failed to look up file", "path", p, "error", err)
			}
			continue
		}
		if err := os.Remove(p); err != nil {
			slog.Warn("cleanup: failed to delete temporary file", "path", p, "error", err)
			continue
		}
		deleted++
		slog.Debug("cleanup: deleted temporary file", "file", entry.Name())
	}

	if deleted > 0 {
		slog.Info("cleanup: deleted temporary files", "count", deleted)
		o.events.LogArchive(eventlog.CleanupCompleted, &eventlog.ArchiveDetails{FilesDeleted: deleted})
	}
	return deleted
}

func isTempName(name string) bool {
	if !strings.EqualFold(filepath.Ext(name), ".wav") {
		return false
	}
	for _, prefix := range naming.ReservedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
