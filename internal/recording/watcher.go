package recording

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
)

// Reconciler removes rows whose files disappear from the recordings
// directory outside of the orchestrator.
type Reconciler struct {
	o       *Orchestrator
	watcher *fsnotify.Watcher

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewReconciler sweeps existing rows once and then watches the
// recordings directory.
func NewReconciler(ctx context.Context, o *Orchestrator) (*Reconciler, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(o.opts.RecordingsDir); err != nil {
		watcher.Close()
		return nil, err
	}

	r := &Reconciler{o: o, watcher: watcher, done: make(chan struct{})}
	if _, err := r.Sweep(ctx); err != nil {
		slog.Warn("initial reconcile failed", "error", err)
	}
	go r.loop()
	return r, nil
}

// Close stops the watcher.
func (r *Reconciler) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.watcher.Close()
		<-r.done
	})
	return r.closeErr
}

func (r *Reconciler) loop() {
	defer close(r.done)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				r.reconcile(r.o.ctx, event.Name)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("recordings watcher error", "error", err)
		}
	}
}

// Sweep drops every row whose file is missing and returns how many were removed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	records, err := r.o.store.List(ctx)
	if err != nil {
		return 0, err
	}
	var removed int
	for _, rec := range records {
		if r.reconcile(ctx, rec.FilePath) {
			removed++
		}
	}
	return removed, nil
}

// reconcile deletes the row for path when its file no longer exists.
// It takes the path lock so it never races an operation that is moving
// the file itself.
func (r *Reconciler) reconcile(ctx context.Context, path string) bool {
	release, err := r.o.locks.acquire(ctx, path)
	if err != nil {
		return false
	}
	defer release()

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		return false
	}
	rec, err := r.o.store.ByPath(ctx, path)
	if err != nil || rec == nil {
		return false
	}
	// The active session's file appears only once the capture device writes it.
	if snap := r.o.Snapshot(); snap.State == StateRecording && snap.OutputPath == path {
		return false
	}
	if err := r.o.store.Delete(ctx, rec.ID); err != nil {
		slog.Warn("failed to remove row of missing recording", "path", path, "error", err)
		return false
	}
	r.o.replaceLast(path, nil)
	r.o.retire(path)

	slog.Info("removed row of missing recording", "path", path)
	r.o.events.LogAsset(eventlog.AssetReconciled, "file removed outside the service", &eventlog.AssetDetails{
		ID:   rec.ID,
		Path: path,
	})
	return true
}
