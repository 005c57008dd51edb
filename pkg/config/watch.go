package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/idhub/pkg/observability"
)

// Watcher reloads a config file when it changes on disk. Only settings that
// are safe to swap at runtime are acted on by callers; the rest need a restart.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *observability.Logger
	onChange func(*Config)
}

// WatchFile starts watching path. The parent directory is watched so that
// editors which replace the file by rename are seen too.
func WatchFile(path string, logger *observability.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		watcher:  watcher,
		logger:   logger.WithField("config_file", abs),
		onChange: onChange,
	}, nil
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := loadFrom(w.path)
	if err != nil {
		// Half-written files are common mid-save; the next write retries.
		w.logger.WithError(err).Warn("Ignoring invalid config file")
		return
	}
	w.logger.Info("Config file reloaded")
	w.onChange(cfg)
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
