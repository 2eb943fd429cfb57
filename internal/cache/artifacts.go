package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"talkscribe/internal/logging"
	"talkscribe/internal/services"
)

// ArtifactDir is where the promoted artifacts for fingerprint live.
func (s *Store) ArtifactDir(fingerprint string) string {
	return filepath.Join(s.artifacts, fingerprint)
}

// ArtifactExists reports whether a promoted, non-empty artifact directory exists.
func (s *Store) ArtifactExists(fingerprint string) bool {
	entries, err := os.ReadDir(s.ArtifactDir(fingerprint))
	return err == nil && len(entries) > 0
}

// NewStaging creates a private working directory for an in-flight stage.
func (s *Store) NewStaging() (string, error) {
	dir := filepath.Join(s.artifacts, stagingPrefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", services.Wrap(services.ErrCacheIO, "", "staging", "create staging directory", err)
	}
	return dir, nil
}

// Promote publishes staging as the artifact directory for fingerprint with a
// single rename. When another writer already promoted the same fingerprint
// the staging directory is discarded and the existing directory is returned.
func (s *Store) Promote(staging, fingerprint string) (string, error) {
	if !s.isStaging(staging) {
		return "", services.Wrap(services.ErrCacheIO, "", "promote", fmt.Sprintf("%q is not a staging directory", staging), nil)
	}
	target := s.ArtifactDir(fingerprint)
	if err := os.Rename(staging, target); err != nil {
		if s.ArtifactExists(fingerprint) {
			s.DiscardStaging(staging)
			return target, nil
		}
		return "", services.Wrap(services.ErrCacheIO, "", "promote", "rename staging directory", err)
	}
	return target, nil
}

// DiscardStaging removes a staging directory. Errors are logged only.
func (s *Store) DiscardStaging(staging string) {
	if !s.isStaging(staging) {
		return
	}
	if err := os.RemoveAll(staging); err != nil {
		s.logger.Warn("failed to remove staging directory",
			logging.String("path", staging),
			logging.Error(err),
			logging.String(logging.FieldEventType, "staging_cleanup_failed"),
			logging.String(logging.FieldErrorHint, "remove the directory manually"),
			logging.String(logging.FieldImpact, "disk space is not reclaimed"),
		)
	}
}

func (s *Store) isStaging(path string) bool {
	clean := filepath.Clean(path)
	return filepath.Dir(clean) == s.artifacts && strings.HasPrefix(filepath.Base(clean), stagingPrefix)
}

// pruneStaging removes staging directories abandoned by a crashed process.
func (s *Store) pruneStaging(now time.Time) int {
	entries, err := os.ReadDir(s.artifacts)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), stagingPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) < stagingMaxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.artifacts, entry.Name())); err == nil {
			removed++
		}
	}
	return removed
}

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		size += info.Size()
		return nil
	})
	return size, err
}
