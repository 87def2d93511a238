package statement

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	pkgerrors "github.com/c360/stratcon/errors"
)

// DefaultDebounce collapses the burst of events editors produce on save
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a definitions file when it changes.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher watches path. The containing directory is watched rather than
// the file so that editors replacing the file by rename are seen.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, pkgerrors.WrapFatal(err, "Watcher", "NewWatcher", "resolve path")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, pkgerrors.WrapFatal(err, "Watcher", "NewWatcher", "create filesystem watcher")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, pkgerrors.WrapFatal(err, "Watcher", "NewWatcher", "add watch")
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		logger:   logger.With("component", "statement-watcher", "path", abs),
		watcher:  fw,
	}, nil
}

// Run blocks until ctx is cancelled, calling fn with the newly parsed
// definitions after each settled change. A file that fails to parse is
// logged and skipped.
func (w *Watcher) Run(ctx context.Context, fn func(*Definitions)) error {
	defer func() { _ = w.watcher.Close() }()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Filesystem watcher error", "error", err)
		case <-timer.C:
			defs, err := LoadFile(w.path)
			if err != nil {
				w.logger.Warn("Failed to reload definitions", "error", err)
				continue
			}
			w.logger.Info("Definitions reloaded",
				"statements", len(defs.Statements),
				"queries", len(defs.Queries))
			fn(defs)
		}
	}
}
