package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pddg/liveupdate/internal/logging"
)

// reloadDelay coalesces the bursts of events editors produce for a single save.
const reloadDelay = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and hands every valid
// snapshot to onChange. Invalid files are logged and skipped. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	logger := logging.FromContext(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config.Watch: failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic replaces (rename over the file) are seen.
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config.Watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config.Watch: failed to watch %s: %w", filepath.Dir(abs), err)
	}

	reload := func() {
		cfg, err := Load(abs)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			logger.WarnContext(ctx, "ignoring invalid configuration", "path", abs, "error", err)
			return
		}
		logger.InfoContext(ctx, "configuration reloaded", "path", abs)
		onChange(cfg)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.ErrorContext(ctx, "config watcher error", "error", err)
		case <-pending:
			pending = nil
			reload()
		}
	}
}
