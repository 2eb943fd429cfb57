package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"talkscribe/internal/job"
	"talkscribe/internal/logging"
	"talkscribe/internal/services"
)

const (
	indexFileName   = "index.db"
	artifactsDir    = "artifacts"
	lockFileName    = ".lock"
	stagingPrefix   = ".staging-"
	stagingMaxAge   = time.Hour
	busyTimeoutMill = 5000
)

// ErrLocked reports that another process holds the cache lock.
var ErrLocked = errors.New("cache is in use by another process")

// Options tunes Open.
type Options struct {
	Logger *slog.Logger
	// DisableMemory turns off the in-memory read-through layer.
	DisableMemory bool
}

// Store is the durable stage cache. It is safe for concurrent use.
type Store struct {
	dir       string
	artifacts string
	db        *sql.DB
	lock      *flock.Flock
	logger    *slog.Logger

	memEnabled bool
	mem        sync.Map // stage/fingerprint -> []byte

	lockMu sync.Mutex
	shared bool
}

// Open creates dir if needed and opens the index inside it.
func Open(dir string, opts Options) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("cache dir is required")
	}
	artifacts := filepath.Join(dir, artifactsDir)
	if err := os.MkdirAll(artifacts, 0o755); err != nil {
		return nil, fmt.Errorf("ensure cache directories: %w", err)
	}

	dbPath := filepath.Join(dir, indexFileName)
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)", dbPath, busyTimeoutMill)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	store := &Store{
		dir:        dir,
		artifacts:  artifacts,
		db:         db,
		lock:       flock.New(filepath.Join(dir, lockFileName)),
		logger:     logging.NewComponentLogger(logger, "cache"),
		memEnabled: !opts.DisableMemory,
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if removed := store.pruneStaging(time.Now()); removed > 0 {
		store.logger.Info("removed stale staging directories", logging.Int("count", removed))
	}
	return store, nil
}

// Close releases the index and any lock held by this store.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.lockMu.Lock()
	if s.shared {
		_ = s.lock.Unlock()
		s.shared = false
	}
	s.lockMu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dir returns the cache root.
func (s *Store) Dir() string { return s.dir }

// Get returns the payload stored for (stage, fingerprint). A missing entry is
// reported as ok=false with a nil error.
func (s *Store) Get(ctx context.Context, stage job.Stage, fingerprint string) ([]byte, bool, error) {
	key := memKey(stage, fingerprint)
	if s.memEnabled {
		if v, ok := s.mem.Load(key); ok {
			return cloneBytes(v.([]byte)), true, nil
		}
	}

	var payload []byte
	err := retryOnBusy(ensureContext(ctx), func() error {
		return s.db.QueryRowContext(ensureContext(ctx),
			"SELECT payload FROM cache_entries WHERE stage = ? AND fingerprint = ?",
			string(stage), fingerprint,
		).Scan(&payload)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, services.Wrap(services.ErrCacheIO, string(stage), "get", "read cache index", err)
	}
	if s.memEnabled {
		s.mem.Store(key, cloneBytes(payload))
	}
	return payload, true, nil
}

// Put records payload for (stage, fingerprint). Existing entries are never
// overwritten; the first writer wins.
func (s *Store) Put(ctx context.Context, stage job.Stage, fingerprint string, payload []byte) error {
	if strings.TrimSpace(fingerprint) == "" {
		return services.Wrap(services.ErrCacheIO, string(stage), "put", "fingerprint is empty", nil)
	}
	err := s.execWithoutResultRetry(ctx,
		`INSERT INTO cache_entries (stage, fingerprint, payload, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(stage, fingerprint) DO NOTHING`,
		string(stage), fingerprint, payload, len(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return services.Wrap(services.ErrCacheIO, string(stage), "put", "write cache index", err)
	}
	if s.memEnabled {
		s.remember(ctx, stage, fingerprint)
	}
	return nil
}

// remember loads the stored row into the memory layer so it mirrors the first
// writer rather than the latest caller.
func (s *Store) remember(ctx context.Context, stage job.Stage, fingerprint string) {
	key := memKey(stage, fingerprint)
	var stored []byte
	err := retryOnBusy(ensureContext(ctx), func() error {
		return s.db.QueryRowContext(ensureContext(ctx),
			"SELECT payload FROM cache_entries WHERE stage = ? AND fingerprint = ?",
			string(stage), fingerprint,
		).Scan(&stored)
	})
	if err != nil {
		s.mem.Delete(key)
		return
	}
	s.mem.Store(key, stored)
}

// Evict drops one entry. It is used when an entry's backing artifacts have
// disappeared and the stage must be recomputed.
func (s *Store) Evict(ctx context.Context, stage job.Stage, fingerprint string) error {
	s.mem.Delete(memKey(stage, fingerprint))
	if err := s.execWithoutResultRetry(ctx,
		"DELETE FROM cache_entries WHERE stage = ? AND fingerprint = ?",
		string(stage), fingerprint,
	); err != nil {
		return services.Wrap(services.ErrCacheIO, string(stage), "evict", "delete cache entry", err)
	}
	return nil
}

func memKey(stage job.Stage, fingerprint string) string {
	return string(stage) + "/" + fingerprint
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
