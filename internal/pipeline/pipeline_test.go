package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"talkscribe/internal/cache"
	"talkscribe/internal/downloader"
	"talkscribe/internal/job"
	"talkscribe/internal/merge"
	"talkscribe/internal/pipeline"
	"talkscribe/internal/progress"
	"talkscribe/internal/scenedetect"
	"talkscribe/internal/services"
	"talkscribe/internal/source"
)

const testURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

type fakeDownloader struct {
	calls atomic.Int32
	err   error
}

func (f *fakeDownloader) Fetch(_ context.Context, _ source.Source, dir string, report progress.Func) (downloader.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return downloader.Result{}, f.err
	}
	for _, name := range []string{downloader.VideoFile, downloader.AudioFile} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("media"), 0o644); err != nil {
			return downloader.Result{}, err
		}
	}
	report.Report(100, "downloaded")
	return downloader.Result{
		Metadata: downloader.Metadata{Title: "Talk", Duration: 12},
		Video:    downloader.VideoFile,
		Audio:    downloader.AudioFile,
	}, nil
}

type fakeDetector struct {
	calls   atomic.Int32
	markers []float64
	err     error

	mu         sync.Mutex
	thresholds []float64
}

func (f *fakeDetector) Detect(_ context.Context, req scenedetect.Request, _ progress.Func) ([]float64, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.thresholds = append(f.thresholds, req.Threshold)
	f.mu.Unlock()
	if _, err := os.Stat(req.VideoPath); err != nil {
		return nil, services.Wrap(services.ErrDetection, "detect", "open", "missing video", err)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.markers, nil
}

type fakeTranscriber struct {
	calls    atomic.Int32
	segments []merge.Segment
	// blockCall makes the given invocation wait for cancellation.
	blockCall int32
	release   chan struct{}
	started   chan int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string, _ job.Model, report progress.Func) ([]merge.Segment, error) {
	n := f.calls.Add(1)
	if _, err := os.Stat(audioPath); err != nil {
		return nil, services.Wrap(services.ErrTranscription, "transcribe", "open", "missing audio", err)
	}
	report.Report(50, "")
	if f.started != nil {
		f.started <- n
	}
	if n == f.blockCall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.segments, nil
}

type recordingSink struct {
	mu       sync.Mutex
	events   []progress.Event
	finished int
}

func (s *recordingSink) Publish(e progress.Event) progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return e
}

func (s *recordingSink) Finish(e progress.Event) progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished++
	s.events = append(s.events, e)
	return e
}

func (s *recordingSink) snapshot() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Event(nil), s.events...)
}

func (s *recordingSink) last(t *testing.T) progress.Event {
	t.Helper()
	events := s.snapshot()
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	return events[len(events)-1]
}

func (s *recordingSink) doneEvent(stage job.Stage) (progress.Event, bool) {
	for _, e := range s.snapshot() {
		if e.Stage == stage && e.Status == progress.StatusDone {
			return e, true
		}
	}
	return progress.Event{}, false
}

type harness struct {
	store *cache.Store
	dl    *fakeDownloader
	det   *fakeDetector
	tr    *fakeTranscriber
	orch  *pipeline.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := cache.Open(t.TempDir(), cache.Options{})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	h := &harness{
		store: store,
		dl:    &fakeDownloader{},
		det:   &fakeDetector{markers: []float64{3, 7}},
		tr: &fakeTranscriber{segments: []merge.Segment{
			{Start: 0, End: 5, Text: "hello"},
			{Start: 5, End: 10, Text: "world"},
		}},
	}
	h.orch = pipeline.New(store, h.dl, h.det, h.tr, pipeline.Options{})
	return h
}

func newJob(t *testing.T, sensitivity float64, model string) job.Job {
	t.Helper()
	j, err := job.New(job.Request{URL: testURL, Sensitivity: sensitivity, Model: model}, job.Defaults{
		Model:          job.ModelMedium,
		Sensitivity:    0.3,
		MinSensitivity: 0.1,
		MaxSensitivity: 0.8,
		DetectSlides:   true,
		AllowedHosts:   source.DefaultHosts,
	})
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	return j
}

func (h *harness) counts() [3]int32 {
	return [3]int32{h.dl.calls.Load(), h.det.calls.Load(), h.tr.calls.Load()}
}

func TestRunProducesMergedDocument(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{}

	res, err := h.orch.Run(context.Background(), newJob(t, 0.3, "medium"), sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Title != "Talk" || res.Filename != "Talk_transcript.txt" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := res.Document.Slides(); got != 2 {
		t.Fatalf("expected 2 slide markers, got %d", got)
	}
	if len(res.Document.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %+v", res.Document.Entries)
	}

	last := sink.last(t)
	if !last.Terminal() || last.Status != progress.StatusDone || last.Filename != "Talk_transcript.txt" {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	if sink.finished != 1 {
		t.Fatalf("expected one terminal event, got %d", sink.finished)
	}
	for _, stage := range job.Stages {
		e, ok := sink.doneEvent(stage)
		if !ok {
			t.Fatalf("missing done event for %s", stage)
		}
		if e.Cached {
			t.Fatalf("first run reported %s as cached", stage)
		}
	}
}

func TestRerunIsServedFromCache(t *testing.T) {
	h := newHarness(t)
	first, err := h.orch.Run(context.Background(), newJob(t, 0.3, "medium"), nil)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}

	sink := &recordingSink{}
	second, err := h.orch.Run(context.Background(), newJob(t, 0.3, "medium"), sink)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := h.counts(); got != [3]int32{1, 1, 1} {
		t.Fatalf("expected each adapter once, got %v", got)
	}
	if merge.RenderText(first.Document) != merge.RenderText(second.Document) {
		t.Fatal("cached document differs from computed one")
	}
	for _, stage := range job.Stages {
		e, ok := sink.doneEvent(stage)
		if !ok || !e.Cached {
			t.Fatalf("expected cached done event for %s, got %+v", stage, e)
		}
	}
}

func TestSensitivityChangeReusesDownloadAndTranscription(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.Run(context.Background(), newJob(t, 0.3, "medium"), nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := h.orch.Run(context.Background(), newJob(t, 0.5, "medium"), nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := h.counts(); got != [3]int32{1, 2, 1} {
		t.Fatalf("expected download=1 detect=2 transcribe=1, got %v", got)
	}
	h.det.mu.Lock()
	defer h.det.mu.Unlock()
	if h.det.thresholds[1] != 0.5 {
		t.Fatalf("expected new threshold 0.5, got %v", h.det.thresholds)
	}
}

func TestModelChangeReusesDownloadOnly(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.Run(context.Background(), newJob(t, 0.3, "medium"), nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := h.orch.Run(context.Background(), newJob(t, 0.3, "small"), nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := h.counts(); got != [3]int32{1, 2, 2} {
		t.Fatalf("expected download=1 detect=2 transcribe=2, got %v", got)
	}
}

func TestDownloadFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.dl.err = services.Wrap(services.ErrUnsupportedSource, "download", "fetch", "no extractor for url", nil)
	sink := &recordingSink{}

	_, err := h.orch.Run(context.Background(), newJob(t, 0.3, "medium"), sink)
	if !errors.Is(err, services.ErrUnsupportedSource) {
		t.Fatalf("expected unsupported source error, got %v", err)
	}
	last := sink.last(t)
	if !last.Terminal() || last.Status != progress.StatusError || last.ErrorKind != services.KindUnsupportedSource {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	stats, err := h.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEntries() != 0 || stats.ArtifactCount != 0 || stats.StagingPresent != 0 {
		t.Fatalf("expected empty cache, got %+v", stats)
	}
	if h.det.calls.Load() != 0 || h.tr.calls.Load() != 0 {
		t.Fatal("later stages ran after download failure")
	}
}

func TestDetectionFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.det.err = services.Wrap(services.ErrDetection, "detect", "ffmpeg", "decoder crashed", nil)
	sink := &recordingSink{}

	j := newJob(t, 0.3, "medium")
	if _, err := h.orch.Run(context.Background(), j, sink); !errors.Is(err, services.ErrDetection) {
		t.Fatalf("expected detection error, got %v", err)
	}
	if last := sink.last(t); last.ErrorKind != services.KindDetection {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	for _, stage := range []job.Stage{job.StageDetect, job.StageMerge} {
		if _, ok, err := h.store.Get(context.Background(), stage, j.Fingerprint(stage)); err != nil || ok {
			t.Fatalf("expected no %s entry, ok=%v err=%v", stage, ok, err)
		}
	}
}

func TestCancelDuringTranscriptionCachesNothingForIt(t *testing.T) {
	h := newHarness(t)
	h.tr.blockCall = 1
	h.tr.started = make(chan int32, 4)

	j := newJob(t, 0.3, "medium")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{}
	errCh := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(ctx, j, sink)
		errCh <- err
	}()

	<-h.tr.started
	cancel()
	err := <-errCh
	if !errors.Is(err, services.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if last := sink.last(t); last.ErrorKind != services.KindCancelled {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	for _, stage := range []job.Stage{job.StageTranscribe, job.StageMerge} {
		if _, ok, _ := h.store.Get(context.Background(), stage, j.Fingerprint(stage)); ok {
			t.Fatalf("cancelled run cached %s", stage)
		}
	}

	if _, err := h.orch.Run(context.Background(), newJob(t, 0.3, "medium"), nil); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if got := h.tr.calls.Load(); got != 2 {
		t.Fatalf("expected transcription to be recomputed, got %d calls", got)
	}
	if got := h.dl.calls.Load(); got != 1 {
		t.Fatalf("expected download to be reused, got %d calls", got)
	}
}

func TestConcurrentIdenticalJobsShareWork(t *testing.T) {
	h := newHarness(t)
	h.tr.release = make(chan struct{})
	h.tr.started = make(chan int32, 4)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	docs := make([]merge.Document, 2)
	jobs := []job.Job{newJob(t, 0.3, "medium"), newJob(t, 0.3, "medium")}
	for i := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.Run(context.Background(), jobs[i], nil)
			errs[i] = err
			docs[i] = res.Document
		}()
	}

	<-h.tr.started
	// Give the second job time to reach the in-flight transcription.
	time.Sleep(50 * time.Millisecond)
	close(h.tr.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
	}
	if got := h.counts(); got != [3]int32{1, 1, 1} {
		t.Fatalf("expected each adapter once across both jobs, got %v", got)
	}
	if merge.RenderText(docs[0]) != merge.RenderText(docs[1]) {
		t.Fatal("coalesced jobs produced different documents")
	}
}

func TestWaiterRecomputesWhenLeaderIsCancelled(t *testing.T) {
	h := newHarness(t)
	h.tr.blockCall = 1
	h.tr.started = make(chan int32, 4)

	leader, waiter := newJob(t, 0.3, "medium"), newJob(t, 0.3, "medium")
	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(leaderCtx, leader, nil)
		leaderErr <- err
	}()
	<-h.tr.started

	waiterErr := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), waiter, nil)
		waiterErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancelLeader()

	if err := <-leaderErr; !errors.Is(err, services.ErrCancelled) {
		t.Fatalf("leader: expected cancellation, got %v", err)
	}
	if err := <-waiterErr; err != nil {
		t.Fatalf("waiter: %v", err)
	}
	if got := h.tr.calls.Load(); got != 2 {
		t.Fatalf("expected the waiter to recompute, got %d calls", got)
	}
}

func TestDetectionDisabledSkipsDetector(t *testing.T) {
	h := newHarness(t)
	off := false
	j, err := job.New(job.Request{URL: testURL, DetectSlides: &off}, job.Defaults{DetectSlides: true, AllowedHosts: source.DefaultHosts})
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	sink := &recordingSink{}
	res, err := h.orch.Run(context.Background(), j, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.det.calls.Load() != 0 {
		t.Fatal("detector ran with detection disabled")
	}
	if res.Document.Slides() != 0 || len(res.Document.Entries) != 2 {
		t.Fatalf("expected plain transcript, got %+v", res.Document.Entries)
	}
	if _, ok := sink.doneEvent(job.StageDetect); !ok {
		t.Fatal("expected a done event for the skipped detect stage")
	}
}

func TestMissingArtifactsForceRedownload(t *testing.T) {
	h := newHarness(t)
	j := newJob(t, 0.3, "medium")
	if _, err := h.orch.Run(context.Background(), j, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := os.RemoveAll(h.store.ArtifactDir(j.Fingerprint(job.StageDownload))); err != nil {
		t.Fatalf("remove artifacts: %v", err)
	}
	if _, err := h.orch.Run(context.Background(), newJob(t, 0.4, "medium"), nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := h.dl.calls.Load(); got != 2 {
		t.Fatalf("expected a fresh download, got %d calls", got)
	}
	if got := h.tr.calls.Load(); got != 1 {
		t.Fatalf("expected cached transcription, got %d calls", got)
	}
}

func TestUnreadableCachedPayloadIsRecomputed(t *testing.T) {
	cases := []struct {
		stage job.Stage
		want  [3]int32
	}{
		{job.StageDownload, [3]int32{1, 0, 0}},
		{job.StageDetect, [3]int32{0, 1, 0}},
		{job.StageTranscribe, [3]int32{0, 0, 1}},
		{job.StageMerge, [3]int32{0, 0, 0}},
	}
	for _, tc := range cases {
		t.Run(string(tc.stage), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			j := newJob(t, 0.3, "medium")
			if _, err := h.orch.Run(ctx, j, nil); err != nil {
				t.Fatalf("first Run: %v", err)
			}
			fp := j.Fingerprint(tc.stage)
			if err := h.store.Evict(ctx, tc.stage, fp); err != nil {
				t.Fatalf("Evict: %v", err)
			}
			if err := h.store.Put(ctx, tc.stage, fp, []byte("{not json")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			before := h.counts()

			res, err := h.orch.Run(ctx, newJob(t, 0.3, "medium"), nil)
			if err != nil {
				t.Fatalf("Run over unreadable %s entry: %v", tc.stage, err)
			}
			if len(res.Document.Entries) != 4 {
				t.Fatalf("unexpected document %+v", res.Document.Entries)
			}
			after := h.counts()
			for i := range after {
				if after[i]-before[i] != tc.want[i] {
					t.Fatalf("expected extra adapter calls %v, got %v -> %v", tc.want, before, after)
				}
			}
			payload, ok, err := h.store.Get(ctx, tc.stage, fp)
			if err != nil || !ok || !json.Valid(payload) {
				t.Fatalf("expected entry replaced with a valid payload, got %q ok=%v err=%v", payload, ok, err)
			}
		})
	}
}

type failingCache struct {
	*cache.Store
	getErr error
	putErr error
}

func (f *failingCache) Get(ctx context.Context, stage job.Stage, fp string) ([]byte, bool, error) {
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	return f.Store.Get(ctx, stage, fp)
}

func (f *failingCache) Put(ctx context.Context, stage job.Stage, fp string, payload []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Store.Put(ctx, stage, fp, payload)
}

func TestCacheReadFailureRecomputes(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.Run(context.Background(), newJob(t, 0.3, "medium"), nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	broken := &failingCache{
		Store:  h.store,
		getErr: services.Wrap(services.ErrCacheIO, "cache", "get", "disk I/O error", nil),
	}
	orch := pipeline.New(broken, h.dl, h.det, h.tr, pipeline.Options{})
	sink := &recordingSink{}
	if _, err := orch.Run(context.Background(), newJob(t, 0.3, "medium"), sink); err != nil {
		t.Fatalf("Run with failing reads: %v", err)
	}
	if got := h.counts(); got != [3]int32{2, 2, 2} {
		t.Fatalf("expected every stage recomputed, got %v", got)
	}
	if last := sink.last(t); last.Status != progress.StatusDone {
		t.Fatalf("expected job to finish, got %+v", last)
	}
}

func TestCacheWriteFailureStillSucceeds(t *testing.T) {
	h := newHarness(t)
	broken := &failingCache{
		Store:  h.store,
		putErr: services.Wrap(services.ErrCacheIO, "cache", "put", "database is read-only", nil),
	}
	orch := pipeline.New(broken, h.dl, h.det, h.tr, pipeline.Options{})

	res, err := orch.Run(context.Background(), newJob(t, 0.3, "medium"), nil)
	if err != nil {
		t.Fatalf("Run with failing writes: %v", err)
	}
	if len(res.Document.Entries) != 4 {
		t.Fatalf("unexpected document %+v", res.Document.Entries)
	}
	if got := h.counts(); got != [3]int32{1, 1, 1} {
		t.Fatalf("expected each adapter once, got %v", got)
	}
	stats, err := h.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEntries() != 0 {
		t.Fatalf("expected no index entries, got %d", stats.TotalEntries())
	}
}

func TestTransitionsFollowStateMachine(t *testing.T) {
	h := newHarness(t)
	var (
		mu    sync.Mutex
		steps []pipeline.State
	)
	orch := pipeline.New(h.store, h.dl, h.det, h.tr, pipeline.Options{
		OnTransition: func(_ string, _, to pipeline.State) {
			mu.Lock()
			steps = append(steps, to)
			mu.Unlock()
		},
	})
	if _, err := orch.Run(context.Background(), newJob(t, 0.3, "medium"), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []pipeline.State{pipeline.StateDownloading, pipeline.StateAnalyzing, pipeline.StateMerging, pipeline.StateDone}
	mu.Lock()
	defer mu.Unlock()
	if len(steps) != len(want) {
		t.Fatalf("expected %v, got %v", want, steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, steps)
		}
	}
}
