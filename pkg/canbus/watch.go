package canbus

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the catalog from path whenever the file changes, until ctx
// is cancelled. A reload that fails to parse or validate is logged and the
// previous catalog contents stay active.
func (c *Catalog) Watch(ctx context.Context, path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	logger.Info("watching catalog", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often replace the file on save, so catch Create
			// alongside Write.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			messages, err := Load(path)
			if err != nil {
				logger.Warn("catalog reload failed, keeping previous",
					zap.String("path", path), zap.Error(err))
				continue
			}
			if err := c.Replace(messages); err != nil {
				logger.Warn("catalog reload rejected, keeping previous",
					zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Info("catalog reloaded",
				zap.String("path", path), zap.Int("messages", c.Len()))
			// An atomic save may have replaced the inode.
			_ = watcher.Add(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("catalog watcher error", zap.Error(err))
		}
	}
}
