package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"talkscribe/internal/job"
	"talkscribe/internal/logging"
)

// Watch evicts download entries whose artifact directory is removed or
// renamed outside the store. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create cache watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.artifacts); err != nil {
		return fmt.Errorf("watch %s: %w", s.artifacts, err)
	}
	s.logger.Debug("watching artifact directory", logging.String("path", s.artifacts))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("cache watcher events channel closed")
			}
			s.handleWatchEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("cache watcher errors channel closed")
			}
			logging.WarnWithContext(ctx, s.logger, "cache watcher error", "cache_watch_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "externally removed artifacts may be detected late"),
			)
		}
	}
}

func (s *Store) handleWatchEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, stagingPrefix) || strings.HasPrefix(name, ".") {
		return
	}
	if s.ArtifactExists(name) {
		return
	}
	if err := s.Evict(ctx, job.StageDownload, name); err != nil {
		logging.WarnWithContext(ctx, s.logger, "failed to evict download entry", "cache_evict_failed",
			logging.String(logging.FieldFingerprint, name),
			logging.Error(err),
		)
		return
	}
	s.logger.Info("evicted download entry after artifact removal",
		logging.String(logging.FieldFingerprint, name),
		logging.String(logging.FieldEventType, "cache_evicted"),
	)
}
