package config

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the providers file. The current declarations are
// held behind an atomic pointer, so readers never block a reload.
type Watcher struct {
	current  atomic.Pointer[ProvidersFileData]
	path     string
	watcher  *fsnotify.Watcher
	onChange []func(*ProvidersFileData)
	logger   *slog.Logger
}

// NewWatcher loads the file once and prepares a watcher for it. The
// initial load must succeed; later reload failures keep the last good
// declarations.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	pf, err := LoadProvidersFile(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		path:   path,
		logger: logger,
	}
	w.current.Store(pf)
	return w, nil
}

// Current returns the latest successfully loaded declarations. Safe for
// concurrent use.
func (w *Watcher) Current() *ProvidersFileData {
	return w.current.Load()
}

// OnChange registers a callback invoked after each successful reload.
// Register all callbacks before calling Watch.
func (w *Watcher) OnChange(fn func(*ProvidersFileData)) {
	w.onChange = append(w.onChange, fn)
}

// Watch starts watching the file for changes until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	if err := watcher.Add(w.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	// Editors often produce several events per save; collapse them.
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					w.reload()
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("providers file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	pf, err := LoadProvidersFile(w.path)
	if err != nil {
		w.logger.Error("failed to reload providers file, keeping current",
			"path", w.path,
			"error", err,
		)
		return
	}

	w.current.Store(pf)
	w.logger.Info("providers file reloaded",
		"path", w.path,
		"providers", len(pf.Providers),
	)

	for _, fn := range w.onChange {
		fn(pf)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
