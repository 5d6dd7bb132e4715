package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads path whenever it changes and passes the result to fn. The
// containing directory is watched so editors that replace the file by rename
// are seen as a create. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger logrus.FieldLogger, fn func(Config, error)) error {
	if fn == nil {
		return fmt.Errorf("config watch: callback is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watch %s: %w", filepath.Dir(abs), err)
	}

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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			logger.WithField("path", abs).WithField("op", event.Op.String()).Debug("config changed")
			cfg, err := Load(abs)
			fn(cfg, err)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("config watch error")
		}
	}
}
