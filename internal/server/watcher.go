package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Tyrowin/chatcore/internal/log"
)

var watchLog = log.ForService("config")

// ReloadConfig loads path and applies it. Port and database path changes
// only take effect on restart.
func ReloadConfig(path string) (*Config, error) {
	previous := currentConfig()

	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	SetConfig(cfg)
	log.SetGlobalDebug(cfg.Debug)

	if cfg.Port != previous.Port || cfg.DatabasePath != previous.DatabasePath {
		watchLog.Warnf("port and database_path changes require a restart")
	}
	watchLog.Infof("Configuration reloaded from %s", path)
	return cfg, nil
}

// WatchConfig reloads the configuration whenever the file at path changes,
// until ctx is cancelled. Editors that replace the file atomically are
// handled by re-adding the watch.
func WatchConfig(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			watchLog.Warnf("failed to close config file watcher: %v", err)
		}
	}()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	watchLog.Infof("Watching %s for changes", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(200 * time.Millisecond)
				if _, err := os.Stat(path); os.IsNotExist(err) {
					watchLog.Warnf("config file %s removed; keeping current configuration", path)
					continue
				}
				if err := watcher.Add(path); err != nil {
					watchLog.Warnf("failed to re-add config file to watcher: %v", err)
				}
			} else {
				// Let the writer finish.
				time.Sleep(100 * time.Millisecond)
			}

			if _, err := ReloadConfig(path); err != nil {
				watchLog.Errorf("Failed to reload configuration: %v", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			watchLog.Warnf("Config file watcher error: %v", err)
		}
	}
}
