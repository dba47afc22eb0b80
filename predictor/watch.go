package predictor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch marks the service stale as soon as the artifact file is created,
// rewritten, renamed or removed. It returns once the watch is in place and
// stops when ctx is done.
func (s *Service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create artifact watcher: %w", err)
	}
	target := filepath.Clean(s.path)
	// the trainer replaces the file with a rename, so watch the directory
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op == fsnotify.Chmod {
					continue
				}
				s.logger.Debug("artifact event", zap.String("op", event.Op.String()))
				s.MarkStale()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("artifact watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
