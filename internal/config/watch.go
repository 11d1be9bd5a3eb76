package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchLevel reloads path whenever it changes and applies log.level to
// level. The parent directory is watched so editors that replace the file
// by rename are picked up. Other settings need a restart. WatchLevel
// returns when ctx is done.
func WatchLevel(ctx context.Context, path string, level *slog.LevelVar, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			reloadLevel(target, level, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("fsnotify error", "error", err)
		}
	}
}

func reloadLevel(path string, level *slog.LevelVar, logger *slog.Logger) {
	cfg, err := Load(path)
	if err != nil {
		logger.Warn("config reload failed, keeping current settings", "path", path, "error", err)
		return
	}
	next, _ := ParseLevel(cfg.Log.Level)
	if next == level.Level() {
		return
	}
	level.Set(next)
	logger.Info("log level changed", "level", next.String())
}
