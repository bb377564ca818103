package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the configuration whenever the file changes on disk, until
// ctx is cancelled. The parent directory is watched so that editors which
// replace the file atomically are handled too.
func (m *Manager) Watch(ctx context.Context, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", m.configPath, err)
	}

	go func() {
		defer watcher.Close()

		// Editors emit bursts of events; reload once things settle.
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.configPath) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					debounce = time.After(200 * time.Millisecond)
				}
			case <-debounce:
				debounce = nil
				if err := m.Reload(); err != nil {
					logger.Error("config reload failed", zap.String("path", m.configPath), zap.Error(err))
					continue
				}
				logger.Info("configuration reloaded", zap.String("path", m.configPath))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
