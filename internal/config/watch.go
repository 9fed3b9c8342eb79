package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce collapses the burst of events one editor save produces.
const WatchDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes and passes the result to fn,
// until ctx is done. The parent directory is watched so that editors
// which save by renaming a temp file are still seen. fn receives the
// load error instead of a config when the new file is invalid; the
// caller keeps its previous settings in that case.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(*Config, error)) error {
	if path == "" {
		path = DefaultPath()
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	logger.Info("[Config] watching", "path", abs)

	timer := time.NewTimer(0)
	<-timer.C
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(WatchDebounce)
			pending = true

		case <-timer.C:
			pending = false
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("[Config] reload_failed", "path", abs, "error", err)
			} else {
				logger.Info("[Config] reloaded", "path", abs)
			}
			fn(cfg, err)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("[Config] watch_error", "error", err)
		}
	}
}
