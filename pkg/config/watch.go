package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fourclicks/deployd/pkg/telemetry"
)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	envFiles []string
	debounce time.Duration
	logger   *telemetry.Logger
	onChange func(*Config)
}

// NewWatcher creates a watcher for path. onChange receives every
// configuration that loads and validates; invalid edits are logged and
// ignored.
func NewWatcher(path string, onChange func(*Config), logger *telemetry.Logger, envFiles ...string) *Watcher {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Watcher{
		path:     path,
		envFiles: envFiles,
		debounce: 250 * time.Millisecond,
		logger:   logger.NewComponentLogger("config-watcher"),
		onChange: onChange,
	}
}

// Run watches until ctx is done. The directory is watched so editors that
// save by renaming are seen too.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("config watcher error")

		case <-pending:
			pending = nil
			cfg, err := Load(w.path, w.envFiles...)
			if err != nil {
				w.logger.WithError(err).Warn("ignoring invalid configuration change")
				continue
			}
			w.logger.Infof("configuration reloaded from %s", w.path)
			w.onChange(cfg)
		}
	}
}

// LevelReloader returns an onChange callback that applies the log level of
// a reloaded configuration.
func LevelReloader(logger *telemetry.Logger) func(*Config) {
	return func(cfg *Config) {
		logger.SetLevel(cfg.Telemetry.Logging.Level)
	}
}
