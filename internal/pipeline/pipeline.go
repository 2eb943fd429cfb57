// Package pipeline sequences the download, detection, transcription and merge
// stages of a job, reusing cached stage outputs whenever a stage's
// fingerprint has been computed before.
//
// Detection and transcription only depend on the download, so they run
// concurrently and merge waits for both. Identical stage computations from
// concurrent jobs are coalesced into one adapter invocation.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"talkscribe/internal/downloader"
	"talkscribe/internal/job"
	"talkscribe/internal/logging"
	"talkscribe/internal/merge"
	"talkscribe/internal/progress"
	"talkscribe/internal/scenedetect"
	"talkscribe/internal/services"
)

// Options configures an Orchestrator.
type Options struct {
	Logger *slog.Logger
	// OnTransition observes state changes, for example to expose job status.
	OnTransition func(jobID string, from, to State)
}

// Result is the outcome of a successful job.
type Result struct {
	Job      job.Job
	Title    string
	Duration float64
	Filename string
	Document merge.Document
}

// Orchestrator runs jobs. It is safe for concurrent use by many jobs.
type Orchestrator struct {
	cache        Cache
	downloader   Downloader
	detector     Detector
	transcriber  Transcriber
	logger       *slog.Logger
	onTransition func(jobID string, from, to State)
	flights      singleflight.Group
}

// New builds an Orchestrator over an opened cache and the stage adapters.
func New(cache Cache, dl Downloader, det Detector, tr Transcriber, opts Options) *Orchestrator {
	return &Orchestrator{
		cache:        cache,
		downloader:   dl,
		detector:     det,
		transcriber:  tr,
		logger:       logging.NewComponentLogger(opts.Logger, "pipeline"),
		onTransition: opts.OnTransition,
	}
}

type run struct {
	job    job.Job
	sink   progress.Sink
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

func (r *run) publish(stage job.Stage, status progress.Status, percent float64, message string, cached bool) {
	r.sink.Publish(progress.Event{
		Stage:   stage,
		Status:  status,
		Percent: percent,
		Message: message,
		Cached:  cached,
	})
}

func (o *Orchestrator) transition(r *run, to State) error {
	r.mu.Lock()
	from := r.state
	if err := validateTransition(from, to); err != nil {
		r.mu.Unlock()
		return err
	}
	r.state = to
	r.mu.Unlock()
	r.logger.Debug("job state changed", logging.String("from", string(from)), logging.String("to", string(to)))
	if o.onTransition != nil {
		o.onTransition(r.job.ID, from, to)
	}
	return nil
}

// Run executes j and reports progress to sink, finishing it with exactly one
// terminal event. Stage failures abort the job; no partial document is
// returned and nothing from the failed or cancelled stage is cached.
func (o *Orchestrator) Run(ctx context.Context, j job.Job, sink progress.Sink) (Result, error) {
	if sink == nil {
		sink = progress.Discard{}
	}
	ctx = services.WithJobID(ctx, j.ID)
	r := &run{
		job:    j,
		sink:   sink,
		logger: logging.WithContext(ctx, o.logger),
		state:  StatePending,
	}
	r.logger.Info("job started",
		logging.String("source", j.Source.Identity),
		logging.String("model", string(j.Model)),
		logging.Float64("sensitivity", j.Sensitivity),
		logging.Bool("detect_slides", j.DetectSlides),
	)

	result, err := o.execute(ctx, r)
	if err != nil {
		err = services.Cancelled(ctx, "", err)
		_ = o.transition(r, StateFailed)
		kind := services.Kind(err)
		r.logger.Error("job failed",
			logging.String("error_kind", kind),
			logging.Error(err),
			logging.String(logging.FieldEventType, "job_failed"),
		)
		sink.Finish(progress.Event{
			Stage:     job.StageJob,
			Status:    progress.StatusError,
			Percent:   progress.UnknownPercent,
			Message:   err.Error(),
			ErrorKind: kind,
		})
		return Result{}, err
	}

	if err := o.transition(r, StateDone); err != nil {
		return Result{}, err
	}
	r.logger.Info("job completed",
		logging.String("filename", result.Filename),
		logging.Int("entries", len(result.Document.Entries)),
		logging.Int("slides", result.Document.Slides()),
	)
	sink.Finish(progress.Event{
		Stage:    job.StageJob,
		Status:   progress.StatusDone,
		Percent:  100,
		Message:  "Done!",
		Filename: result.Filename,
	})
	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (Result, error) {
	if err := o.transition(r, StateDownloading); err != nil {
		return Result{}, err
	}
	dl, dir, err := o.download(ctx, r)
	if err != nil {
		return Result{}, err
	}

	if err := o.transition(r, StateAnalyzing); err != nil {
		return Result{}, err
	}
	var (
		markers  []float64
		segments []merge.Segment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		markers, err = o.detect(gctx, r, dl.VideoPath(dir), dl.Duration)
		return err
	})
	g.Go(func() error {
		var err error
		segments, err = o.transcribe(gctx, r, dl.AudioPath(dir))
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	if err := o.transition(r, StateMerging); err != nil {
		return Result{}, err
	}
	doc, err := o.merge(ctx, r, dl.Title, segments, markers)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Job:      r.job,
		Title:    dl.Title,
		Duration: dl.Duration,
		Filename: merge.Filename(dl.Title, merge.FormatText),
		Document: doc,
	}, nil
}

func (o *Orchestrator) download(ctx context.Context, r *run) (downloader.Result, string, error) {
	stage := job.StageDownload
	fp := r.job.Fingerprint(stage)
	ctx = services.WithStage(ctx, string(stage))

	validate := func(res downloader.Result) error {
		if res.Video == "" || res.Audio == "" {
			return fmt.Errorf("%w: download payload names no files", errCorruptPayload)
		}
		if !o.cache.ArtifactExists(fp) {
			return errArtifactMissing
		}
		return nil
	}
	res, err := runTyped(ctx, o, r, stage, "download", validate, func(ctx context.Context, report progress.Func) (downloader.Result, error) {
		staging, err := o.cache.NewStaging()
		if err != nil {
			return downloader.Result{}, err
		}
		promoted := false
		defer func() {
			if !promoted {
				o.cache.DiscardStaging(staging)
			}
		}()
		res, err := o.downloader.Fetch(ctx, r.job.Source, staging, report)
		if err != nil {
			return downloader.Result{}, err
		}
		if err := ctx.Err(); err != nil {
			return downloader.Result{}, err
		}
		if _, err := o.cache.Promote(staging, fp); err != nil {
			return downloader.Result{}, err
		}
		promoted = true
		return res, nil
	})
	if err != nil {
		return downloader.Result{}, "", err
	}
	return res, o.cache.ArtifactDir(fp), nil
}

func (o *Orchestrator) detect(ctx context.Context, r *run, videoPath string, duration float64) ([]float64, error) {
	stage := job.StageDetect
	ctx = services.WithStage(ctx, string(stage))
	if !r.job.DetectSlides {
		r.publish(stage, progress.StatusDone, 100, "Slide detection disabled, skipping.", false)
		return nil, nil
	}
	label := fmt.Sprintf("Detecting slide changes (threshold=%.2f)", r.job.Sensitivity)
	return runTyped(ctx, o, r, stage, label, nil, func(ctx context.Context, report progress.Func) ([]float64, error) {
		markers, err := o.detector.Detect(ctx, scenedetect.Request{
			VideoPath: videoPath,
			Threshold: r.job.Sensitivity,
			Duration:  duration,
		}, report)
		if err != nil {
			return nil, err
		}
		if markers == nil {
			markers = []float64{}
		}
		return markers, nil
	})
}

func (o *Orchestrator) transcribe(ctx context.Context, r *run, audioPath string) ([]merge.Segment, error) {
	stage := job.StageTranscribe
	ctx = services.WithStage(ctx, string(stage))
	label := fmt.Sprintf("Transcribing audio with the %s model", r.job.Model)
	return runTyped(ctx, o, r, stage, label, nil, func(ctx context.Context, report progress.Func) ([]merge.Segment, error) {
		segments, err := o.transcriber.Transcribe(ctx, audioPath, r.job.Model, report)
		if err != nil {
			return nil, err
		}
		if segments == nil {
			segments = []merge.Segment{}
		}
		return segments, nil
	})
}

func (o *Orchestrator) merge(ctx context.Context, r *run, title string, segments []merge.Segment, markers []float64) (merge.Document, error) {
	stage := job.StageMerge
	ctx = services.WithStage(ctx, string(stage))
	return runTyped(ctx, o, r, stage, "Merging transcript with slide markers", nil,
		func(context.Context, progress.Func) (merge.Document, error) {
			doc := merge.Merge(segments, markers)
			doc.Title = title
			return doc, nil
		})
}

var (
	// errCorruptPayload marks a cached payload that cannot be decoded.
	errCorruptPayload = errors.New("corrupt cached payload")
	// errArtifactMissing marks a download entry whose directory is gone.
	errArtifactMissing = errors.New("cached artifact missing")
)

// runTyped runs a stage whose payload is the JSON encoding of T. Cached
// payloads that fail to decode or fail validate are evicted and recomputed.
func runTyped[T any](ctx context.Context, o *Orchestrator, r *run, stage job.Stage, label string, validate func(T) error, compute func(context.Context, progress.Func) (T, error)) (T, error) {
	decode := func(payload []byte) (T, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return v, fmt.Errorf("%w: %w", errCorruptPayload, err)
		}
		if validate != nil {
			if err := validate(v); err != nil {
				return v, err
			}
		}
		return v, nil
	}
	check := func(payload []byte) error {
		_, err := decode(payload)
		return err
	}
	payload, err := o.runStage(ctx, r, stage, label, check, func(ctx context.Context, report progress.Func) ([]byte, error) {
		v, err := compute(ctx, report)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := decode(payload)
	if err != nil {
		return v, fmt.Errorf("%s: decode stage result: %w", stage, err)
	}
	return v, nil
}

// computeFunc produces a stage payload. It must return an error rather than a
// partial payload when ctx is cancelled.
type computeFunc func(ctx context.Context, report progress.Func) ([]byte, error)

// runStage consults the cache, and on a miss computes and stores the payload.
// check, when set, rejects cache hits that can no longer be used.
func (o *Orchestrator) runStage(ctx context.Context, r *run, stage job.Stage, label string, check func([]byte) error, compute computeFunc) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, services.Cancelled(ctx, string(stage), err)
	}
	fp := r.job.Fingerprint(stage)
	logger := logging.WithContext(ctx, o.logger).With(logging.String(logging.FieldFingerprint, shortFingerprint(fp)))

	if payload, ok := o.lookup(ctx, logger, stage, fp, check); ok {
		logger.Info("stage cache hit", logging.String(logging.FieldEventType, "cache_hit"))
		r.publish(stage, progress.StatusDone, 100, "Using cached "+string(stage)+" result", true)
		return payload, nil
	}

	r.publish(stage, progress.StatusStarted, 0, label+"...", false)
	report := progress.Func(func(u progress.Update) {
		msg := u.Message
		if msg == "" {
			msg = label + "..."
		}
		r.publish(stage, progress.StatusProgress, u.Percent, msg, false)
	})

	payload, shared, err := o.coalesce(ctx, stage, fp, func(fctx context.Context) ([]byte, error) {
		// A job that finished while this one waited may already have stored it.
		if payload, ok := o.lookup(fctx, logger, stage, fp, check); ok {
			return payload, nil
		}
		started := time.Now()
		payload, err := compute(fctx, report)
		if err != nil {
			return nil, services.Cancelled(fctx, string(stage), err)
		}
		if err := fctx.Err(); err != nil {
			return nil, services.Cancelled(fctx, string(stage), err)
		}
		logger.Info("stage computed",
			logging.Duration("elapsed", time.Since(started)),
			logging.Int("payload_bytes", len(payload)),
			logging.String(logging.FieldEventType, "stage_computed"),
		)
		if err := o.cache.Put(fctx, stage, fp, payload); err != nil {
			logging.WarnWithContext(fctx, logger, "failed to cache stage result", "cache_write_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check free space and permissions of the cache directory"),
				logging.String(logging.FieldImpact, "the stage will be recomputed next time"),
			)
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Info("stage result shared with concurrent job", logging.String(logging.FieldEventType, "stage_coalesced"))
	}
	r.publish(stage, progress.StatusDone, 100, label+"... Done!", false)
	return payload, nil
}

func (o *Orchestrator) lookup(ctx context.Context, logger *slog.Logger, stage job.Stage, fp string, check func([]byte) error) ([]byte, bool) {
	payload, ok, err := o.cache.Get(ctx, stage, fp)
	if err != nil {
		logging.WarnWithContext(ctx, logger, "cache read failed; recomputing", "cache_read_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run 'talkscribe cache stats' to inspect the cache"),
			logging.String(logging.FieldImpact, "stage is recomputed instead of reused"),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if check == nil {
		return payload, true
	}
	if err := check(payload); err != nil {
		if errors.Is(err, errArtifactMissing) {
			logger.Info("cached entry is stale; evicting", logging.String(logging.FieldEventType, "cache_stale"))
		} else {
			logging.WarnWithContext(ctx, logger, "cached result unreadable; recomputing", "cache_corrupt",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "the entry is evicted; clear the stage if this repeats"),
				logging.String(logging.FieldImpact, "stage is recomputed instead of reused"),
			)
		}
		if err := o.cache.Evict(ctx, stage, fp); err != nil {
			logging.WarnWithContext(ctx, logger, "failed to evict stale cache entry", "cache_evict_failed", logging.Error(err))
		}
		return nil, false
	}
	return payload, true
}

// coalesce runs fn once per stage/fingerprint across concurrent callers. The
// computation runs under the first caller's context; if that caller is
// cancelled, callers whose own context is still live start over.
func (o *Orchestrator) coalesce(ctx context.Context, stage job.Stage, fp string, fn func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	key := string(stage) + "/" + fp
	for {
		ch := o.flights.DoChan(key, func() (any, error) {
			return fn(ctx)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				if errors.Is(res.Err, services.ErrCancelled) && ctx.Err() == nil {
					continue
				}
				return nil, res.Shared, res.Err
			}
			return res.Val.([]byte), res.Shared, nil
		case <-ctx.Done():
			return nil, false, services.Cancelled(ctx, string(stage), ctx.Err())
		}
	}
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
