package cache

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"talkscribe/internal/job"
	"talkscribe/internal/services"
)

// StageStats summarizes one stage keyspace.
type StageStats struct {
	Stage   job.Stage
	Entries int
	Bytes   int64
	Newest  time.Time
}

// Stats describes cache usage.
type Stats struct {
	Dir            string
	Stages         []StageStats
	ArtifactCount  int
	ArtifactBytes  int64
	FreeBytes      uint64
	TotalFSBytes   uint64
	FreeRatio      float64
	StagingPresent int
}

// TotalEntries sums entries across stages.
func (s Stats) TotalEntries() int {
	total := 0
	for _, st := range s.Stages {
		total += st.Entries
	}
	return total
}

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

var statfs statfsFunc = realStatfs

// Stats returns per-stage counts, artifact disk usage, and free space.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx = ensureContext(ctx)
	out := Stats{Dir: s.dir}

	byStage := make(map[job.Stage]*StageStats, len(job.Stages))
	for _, stage := range job.Stages {
		out.Stages = append(out.Stages, StageStats{Stage: stage})
	}
	for i := range out.Stages {
		byStage[out.Stages[i].Stage] = &out.Stages[i]
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT stage, COUNT(1), COALESCE(SUM(size_bytes), 0), COALESCE(MAX(created_at), '') FROM cache_entries GROUP BY stage")
	if err != nil {
		return out, services.Wrap(services.ErrCacheIO, "", "stats", "query cache index", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			stage  string
			count  int
			bytes  int64
			newest string
		)
		if err := rows.Scan(&stage, &count, &bytes, &newest); err != nil {
			return out, services.Wrap(services.ErrCacheIO, "", "stats", "scan cache index", err)
		}
		st, ok := byStage[job.Stage(stage)]
		if !ok {
			continue
		}
		st.Entries = count
		st.Bytes = bytes
		if ts, err := time.Parse(time.RFC3339Nano, newest); err == nil {
			st.Newest = ts
		}
	}
	if err := rows.Err(); err != nil {
		return out, services.Wrap(services.ErrCacheIO, "", "stats", "iterate cache index", err)
	}

	entries, err := os.ReadDir(s.artifacts)
	if err != nil {
		return out, services.Wrap(services.ErrCacheIO, "", "stats", "list artifacts", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), stagingPrefix) {
			out.StagingPresent++
			continue
		}
		size, err := dirSize(s.ArtifactDir(entry.Name()))
		if err != nil {
			continue
		}
		out.ArtifactCount++
		out.ArtifactBytes += size
	}

	total, free, err := statfs(s.dir)
	if err != nil {
		return out, fmt.Errorf("cache: statfs: %w", err)
	}
	out.TotalFSBytes = total
	out.FreeBytes = free
	out.FreeRatio = 1
	if total > 0 {
		out.FreeRatio = float64(free) / float64(total)
	}
	return out, nil
}

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total, free, nil
}
