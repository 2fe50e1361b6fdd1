package environment

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// WatchOption configures [WatchFile] and [Watch].
type WatchOption func(*watchConfig)

type watchConfig struct {
	debounce time.Duration
	logger   *slog.Logger
}

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for watcher errors.
func WithWatchLogger(logger *slog.Logger) WatchOption {
	return func(c *watchConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WatchFile calls onChange after path is written, created or replaced, once
// per burst of events. The parent directory is watched so that editors that
// save by rename are seen. WatchFile blocks until ctx is done.
func WatchFile(ctx context.Context, path string, onChange func(), opts ...WatchOption) error {
	cfg := watchConfig{debounce: defaultDebounce, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	timer := time.NewTimer(cfg.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(cfg.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cfg.logger.WarnContext(ctx, "file watcher error", "path", path, "error", err)
		case <-timer.C:
			onChange()
		}
	}
}

// Watch reloads the snapshot at path on every change and passes the result,
// or the load error, to fn. It blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(Snapshot, error), opts ...WatchOption) error {
	return WatchFile(ctx, path, func() {
		fn(LoadFile(path))
	}, opts...)
}
