package cache

import (
	"context"
	"fmt"
	"os"

	"talkscribe/internal/job"
	"talkscribe/internal/logging"
	"talkscribe/internal/services"
)

// HoldShared takes the shared cache lock for the lifetime of the store. A
// server holds it so that other processes cannot clear the cache underneath
// running jobs.
func (s *Store) HoldShared() error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.shared {
		return nil
	}
	ok, err := s.lock.TryRLock()
	if err != nil {
		return fmt.Errorf("acquire shared cache lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	s.shared = true
	return nil
}

// ClearResult reports what Clear removed.
type ClearResult struct {
	Entries   int64
	Artifacts int
}

// Clear removes the entries of one stage, or of every stage when stage is
// empty. Clearing downloads also removes their artifact directories.
//
// A store that does not hold the shared lock itself needs the exclusive lock,
// which fails with ErrLocked while a server is running against the same dir.
func (s *Store) Clear(ctx context.Context, stage job.Stage) (ClearResult, error) {
	s.lockMu.Lock()
	holder := s.shared
	s.lockMu.Unlock()
	if !holder {
		ok, err := s.lock.TryLock()
		if err != nil {
			return ClearResult{}, fmt.Errorf("acquire cache lock: %w", err)
		}
		if !ok {
			return ClearResult{}, ErrLocked
		}
		defer func() { _ = s.lock.Unlock() }()
	}

	var (
		result ClearResult
		err    error
	)
	if stage == "" {
		result.Entries, err = s.execWithRowsRetry(ctx, "DELETE FROM cache_entries")
	} else {
		result.Entries, err = s.execWithRowsRetry(ctx, "DELETE FROM cache_entries WHERE stage = ?", string(stage))
	}
	if err != nil {
		return result, services.Wrap(services.ErrCacheIO, string(stage), "clear", "delete cache entries", err)
	}
	s.mem.Clear()

	if stage == "" || stage == job.StageDownload {
		removed, err := s.clearArtifacts()
		result.Artifacts = removed
		if err != nil {
			return result, err
		}
	}
	s.logger.Info("cache cleared",
		logging.String(logging.FieldStage, stageLabel(stage)),
		logging.Int64("entries", result.Entries),
		logging.Int("artifacts", result.Artifacts),
		logging.String(logging.FieldEventType, "cache_cleared"),
	)
	return result, nil
}

func (s *Store) clearArtifacts() (int, error) {
	entries, err := os.ReadDir(s.artifacts)
	if err != nil {
		return 0, services.Wrap(services.ErrCacheIO, string(job.StageDownload), "clear", "list artifacts", err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || s.isStaging(s.ArtifactDir(entry.Name())) {
			continue
		}
		if err := os.RemoveAll(s.ArtifactDir(entry.Name())); err != nil {
			return removed, services.Wrap(services.ErrCacheIO, string(job.StageDownload), "clear", "remove artifact", err)
		}
		removed++
	}
	return removed, nil
}

func stageLabel(stage job.Stage) string {
	if stage == "" {
		return "all"
	}
	return string(stage)
}
