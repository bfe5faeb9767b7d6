package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config whenever the file changes and hands the parsed
// result to onChange. Reload failures keep the previous config and are
// logged. The returned stop function releases the watcher.
//
// The parent directory is watched rather than the file itself so that
// editors which replace the file via rename keep triggering events.
func Watch(path string, logger *slog.Logger, onChange func(*Config)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	go func() {
		// Debounce: editors often emit several writes per save.
		var pending *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() {
					cfg, err := Load(path)
					if err != nil {
						logger.Error("config reload failed, keeping previous config", "path", path, "error", err)
						return
					}
					if err := cfg.Validate(); err != nil {
						logger.Error("reloaded config invalid, keeping previous config", "path", path, "error", err)
						return
					}
					logger.Info("config reloaded", "path", path)
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return watcher.Close, nil
}
