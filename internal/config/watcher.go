package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roelfdiedericks/clawcore/internal/logging"
)

// ReloadDebounce coalesces the burst of events an editor or atomic rename
// produces for one save.
const ReloadDebounce = 150 * time.Millisecond

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(*Config)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	onReload ReloadFunc
	debounce time.Duration
}

// NewWatcher creates a watcher for path. onReload is never called with a
// config that failed to load; the previous one stays in effect.
func NewWatcher(path string, onReload ReloadFunc) *Watcher {
	return &Watcher{path: path, onReload: onReload, debounce: ReloadDebounce}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	// the directory, not the file: atomic writes replace the inode
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Base(w.path)
	logging.L_info("config: watching for changes", "path", w.path)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logging.L_trace("config: file event", "op", event.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.L_warn("config: watcher error", "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.L_error("config: reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	logging.L_info("config: reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
