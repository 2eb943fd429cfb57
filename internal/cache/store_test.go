package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"talkscribe/internal/job"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGetMissThenPutThenHit(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, job.StageTranscribe, "fp"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if err := store.Put(ctx, job.StageTranscribe, "fp", []byte(`[1]`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	payload, ok, err := store.Get(ctx, job.StageTranscribe, "fp")
	if err != nil || !ok || string(payload) != `[1]` {
		t.Fatalf("unexpected get result %q ok=%v err=%v", payload, ok, err)
	}
	if _, ok, _ := store.Get(ctx, job.StageDetect, "fp"); ok {
		t.Fatal("stages must not share a keyspace")
	}
}

func TestPutIsAppendOnce(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	if err := store.Put(ctx, job.StageMerge, "fp", []byte("first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, _, err := store.Get(ctx, job.StageMerge, "fp"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := store.Put(ctx, job.StageMerge, "fp", []byte("second")); err != nil {
		t.Fatalf("second Put should be a no-op, got %v", err)
	}
	payload, _, _ := store.Get(ctx, job.StageMerge, "fp")
	if string(payload) != "first" {
		t.Fatalf("expected first payload to survive, got %q", payload)
	}
}

func TestPutPopulatesMemoryWithFirstWriter(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store := openTestStore(t, dir)

	if err := store.Put(ctx, job.StageDetect, "fp", []byte(`[1]`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, job.StageDetect, "fp", []byte(`[2]`)); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	// Remove the row behind the first store's back; only its memory layer
	// can still answer.
	other, err := Open(dir, Options{DisableMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer other.Close()
	if err := other.Evict(ctx, job.StageDetect, "fp"); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	payload, ok, err := store.Get(ctx, job.StageDetect, "fp")
	if err != nil || !ok {
		t.Fatalf("expected memory hit, got ok=%v err=%v", ok, err)
	}
	if string(payload) != `[1]` {
		t.Fatalf("expected first writer's payload, got %q", payload)
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.Put(ctx, job.StageDownload, "abc", []byte(`{"title":"x"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openTestStore(t, dir)
	payload, ok, err := second.Get(ctx, job.StageDownload, "abc")
	if err != nil || !ok || string(payload) != `{"title":"x"}` {
		t.Fatalf("expected persisted entry, got %q ok=%v err=%v", payload, ok, err)
	}
}

func TestConcurrentPutsSameFingerprint(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Put(ctx, job.StageTranscribe, "same", []byte("payload"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Put: %v", err)
		}
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEntries() != 1 {
		t.Fatalf("expected one entry, got %d", stats.TotalEntries())
	}
}

func TestStagingPromoteAndDiscard(t *testing.T) {
	store := openTestStore(t, t.TempDir())

	staging, err := store.NewStaging()
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "audio.wav"), []byte("riff"), 0o644); err != nil {
		t.Fatal(err)
	}
	target, err := store.Promote(staging, "fp1")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if target != store.ArtifactDir("fp1") || !store.ArtifactExists("fp1") {
		t.Fatalf("expected promoted artifact at %s", target)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir gone, got %v", err)
	}

	// A second writer for the same fingerprint keeps the first artifact.
	other, err := store.NewStaging()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(other, "audio.wav"), []byte("other"), 0o644); err != nil {
		t.Fatal(err)
	}
	again, err := store.Promote(other, "fp1")
	if err != nil {
		t.Fatalf("second Promote: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(again, "audio.wav"))
	if string(data) != "riff" {
		t.Fatalf("expected first artifact preserved, got %q", data)
	}
	if _, err := os.Stat(other); !os.IsNotExist(err) {
		t.Fatal("expected losing staging dir to be discarded")
	}

	discard, _ := store.NewStaging()
	store.DiscardStaging(discard)
	if _, err := os.Stat(discard); !os.IsNotExist(err) {
		t.Fatal("expected DiscardStaging to remove directory")
	}
	store.DiscardStaging(store.ArtifactDir("fp1"))
	if !store.ArtifactExists("fp1") {
		t.Fatal("DiscardStaging must ignore promoted artifacts")
	}
}

func TestOpenPrunesStaleStaging(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, artifactsDir, stagingPrefix+"old")
	fresh := filepath.Join(dir, artifactsDir, stagingPrefix+"new")
	for _, d := range []string{stale, fresh} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	openTestStore(t, dir)
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("expected stale staging dir removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("expected fresh staging dir kept")
	}
}

func TestClearRefusedWhileAnotherStoreHoldsLock(t *testing.T) {
	dir := t.TempDir()
	server := openTestStore(t, dir)
	if err := server.HoldShared(); err != nil {
		t.Fatalf("HoldShared: %v", err)
	}
	cli := openTestStore(t, dir)
	if _, err := cli.Clear(context.Background(), ""); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	// The lock holder itself may clear.
	if _, err := server.Clear(context.Background(), ""); err != nil {
		t.Fatalf("holder Clear: %v", err)
	}
}

func TestClearStage(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	ctx := context.Background()
	for _, stage := range job.Stages {
		if err := store.Put(ctx, stage, "fp", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	staging, _ := store.NewStaging()
	_ = os.WriteFile(filepath.Join(staging, "video.mp4"), []byte("v"), 0o644)
	if _, err := store.Promote(staging, "fp"); err != nil {
		t.Fatal(err)
	}

	res, err := store.Clear(ctx, job.StageDetect)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if res.Entries != 1 || res.Artifacts != 0 {
		t.Fatalf("unexpected clear result %+v", res)
	}
	if _, ok, _ := store.Get(ctx, job.StageDetect, "fp"); ok {
		t.Fatal("expected detect entry removed")
	}
	if _, ok, _ := store.Get(ctx, job.StageTranscribe, "fp"); !ok {
		t.Fatal("expected transcribe entry kept")
	}

	res, err = store.Clear(ctx, "")
	if err != nil {
		t.Fatalf("Clear all: %v", err)
	}
	if res.Entries != 3 || res.Artifacts != 1 {
		t.Fatalf("unexpected clear-all result %+v", res)
	}
	if store.ArtifactExists("fp") {
		t.Fatal("expected artifacts removed")
	}
}

func TestWatchEventEvictsDownload(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	ctx := context.Background()
	if err := store.Put(ctx, job.StageDownload, "fp", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get(ctx, job.StageDownload, "fp"); !ok {
		t.Fatal("expected entry")
	}

	store.handleWatchEvent(ctx, fsnotify.Event{Name: store.ArtifactDir("fp"), Op: fsnotify.Remove})
	if _, ok, _ := store.Get(ctx, job.StageDownload, "fp"); ok {
		t.Fatal("expected download entry evicted after artifact removal")
	}
}

func TestStatsReportsUsage(t *testing.T) {
	prev := statfs
	statfs = func(string) (uint64, uint64, error) { return 1000, 250, nil }
	t.Cleanup(func() { statfs = prev })

	store := openTestStore(t, t.TempDir())
	ctx := context.Background()
	if err := store.Put(ctx, job.StageTranscribe, "a", []byte("12345")); err != nil {
		t.Fatal(err)
	}
	staging, _ := store.NewStaging()
	_ = os.WriteFile(filepath.Join(staging, "audio.wav"), make([]byte, 64), 0o644)
	if _, err := store.Promote(staging, "a"); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	var transcribe StageStats
	for _, st := range stats.Stages {
		if st.Stage == job.StageTranscribe {
			transcribe = st
		}
	}
	if transcribe.Entries != 1 || transcribe.Bytes != 5 || transcribe.Newest.IsZero() {
		t.Fatalf("unexpected transcribe stats %+v", transcribe)
	}
	if stats.ArtifactCount != 1 || stats.ArtifactBytes != 64 {
		t.Fatalf("unexpected artifact stats %+v", stats)
	}
	if stats.FreeRatio != 0.25 {
		t.Fatalf("unexpected free ratio %v", stats.FreeRatio)
	}
}
