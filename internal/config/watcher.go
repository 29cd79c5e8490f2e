package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands
// valid new pipeline settings to the registered callback. Invalid
// edits are logged and ignored; the previous settings stay in effect.
type Watcher struct {
	path    string
	logger  *slog.Logger
	onApply func(PipelineConfig)
}

// NewWatcher creates a watcher for the given config file. onApply is
// invoked with the new pipeline section after each successful reload.
func NewWatcher(path string, logger *slog.Logger, onApply func(PipelineConfig)) *Watcher {
	return &Watcher{path: path, logger: logger, onApply: onApply}
}

// Run blocks, applying config reloads until ctx is cancelled. Editors
// often replace the file rather than write in place, so the parent
// directory is watched and events are filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous settings",
			"path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded",
		"rollback_threshold", cfg.Pipeline.RollbackThreshold,
		"max_concurrent_tests", cfg.Pipeline.MaxConcurrentTests)
	w.onApply(cfg.Pipeline)
}
