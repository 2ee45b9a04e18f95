package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file into the store whenever it changes on disk.
// Keyword lists and thresholds picked up this way apply to the next detector
// call; a reload that fails to parse or validate keeps the previous snapshot.
// The watcher runs until ctx is cancelled.
func Watch(ctx context.Context, path string, store *Store, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config management tools
	// replace files by rename, which drops a direct file watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				evAbs, err := filepath.Abs(ev.Name)
				if err != nil || evAbs != abs {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed, keeping previous config", "path", path, "error", err)
					continue
				}
				store.Replace(cfg)
				logger.Info("config reloaded",
					"path", path,
					"voice_keywords", len(cfg.VoiceKeywords),
					"screen_keywords", len(cfg.ScreenKeywords))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
