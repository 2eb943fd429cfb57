package pipeline

import (
	"context"

	"talkscribe/internal/downloader"
	"talkscribe/internal/job"
	"talkscribe/internal/merge"
	"talkscribe/internal/progress"
	"talkscribe/internal/scenedetect"
	"talkscribe/internal/source"
)

// Cache is the subset of the cache store the orchestrator needs.
type Cache interface {
	Get(ctx context.Context, stage job.Stage, fingerprint string) ([]byte, bool, error)
	Put(ctx context.Context, stage job.Stage, fingerprint string, payload []byte) error
	Evict(ctx context.Context, stage job.Stage, fingerprint string) error
	NewStaging() (string, error)
	Promote(staging, fingerprint string) (string, error)
	DiscardStaging(staging string)
	ArtifactDir(fingerprint string) string
	ArtifactExists(fingerprint string) bool
}

// Downloader fetches a source into a private directory.
type Downloader interface {
	Fetch(ctx context.Context, src source.Source, dir string, report progress.Func) (downloader.Result, error)
}

// Detector finds slide changes.
type Detector interface {
	Detect(ctx context.Context, req scenedetect.Request, report progress.Func) ([]float64, error)
}

// Transcriber turns audio into segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, model job.Model, report progress.Func) ([]merge.Segment, error)
}
