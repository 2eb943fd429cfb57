package progress_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"talkscribe/internal/job"
	"talkscribe/internal/progress"
)

func TestChannelDeliversInOrderAndTerminates(t *testing.T) {
	ch := progress.NewChannel("job-1", 16)
	ch.Publish(progress.Event{Stage: job.StageDownload, Status: progress.StatusStarted})
	ch.Publish(progress.Event{Stage: job.StageDownload, Status: progress.StatusProgress, Percent: 50})
	ch.Finish(progress.Event{Stage: job.StageJob, Status: progress.StatusDone})
	if got := ch.Publish(progress.Event{Stage: job.StageMerge}); got.Seq != 0 {
		t.Fatalf("expected publish after finish to be ignored, got seq %d", got.Seq)
	}

	ctx := context.Background()
	var seqs []int64
	for {
		e, ok := ch.Next(ctx)
		if !ok {
			break
		}
		if e.JobID != "job-1" {
			t.Fatalf("expected job id stamped, got %q", e.JobID)
		}
		seqs = append(seqs, e.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("unexpected sequence %v", seqs)
	}
	if _, ok := ch.Next(ctx); ok {
		t.Fatal("expected channel to stay drained")
	}
}

func TestChannelDropsOldestButKeepsTerminal(t *testing.T) {
	ch := progress.NewChannel("job", 3)
	for i := range 10 {
		ch.Publish(progress.Event{Stage: job.StageTranscribe, Status: progress.StatusProgress, Percent: float64(i)})
	}
	ch.Finish(progress.Event{Stage: job.StageJob, Status: progress.StatusError, ErrorKind: "FetchError"})

	var events []progress.Event
	for {
		e, ok := ch.Next(context.Background())
		if !ok {
			break
		}
		events = append(events, e)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(events))
	}
	last := events[len(events)-1]
	if !last.Terminal() || last.ErrorKind != "FetchError" {
		t.Fatalf("expected terminal error last, got %+v", last)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("sequence not increasing: %v then %v", events[i-1].Seq, events[i].Seq)
		}
	}
	if ch.Dropped() != 8 {
		t.Fatalf("expected 8 dropped events, got %d", ch.Dropped())
	}
}

func TestPublishNeverBlocksWithoutObserver(t *testing.T) {
	ch := progress.NewChannel("job", 2)
	done := make(chan struct{})
	go func() {
		for range 1000 {
			ch.Publish(progress.Event{Stage: job.StageDetect, Status: progress.StatusProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked")
	}
}

func TestNextWaitsForPublisher(t *testing.T) {
	ch := progress.NewChannel("job", 8)
	var wg sync.WaitGroup
	wg.Add(1)
	var received []progress.Event
	go func() {
		defer wg.Done()
		for {
			e, ok := ch.Next(context.Background())
			if !ok {
				return
			}
			received = append(received, e)
		}
	}()
	ch.Publish(progress.Event{Stage: job.StageDownload, Status: progress.StatusStarted})
	ch.Finish(progress.Event{Stage: job.StageJob, Status: progress.StatusDone})
	wg.Wait()
	if len(received) != 2 || !received[1].Terminal() {
		t.Fatalf("unexpected events %+v", received)
	}
	select {
	case <-ch.Done():
	default:
		t.Fatal("expected Done closed after Finish")
	}
}

func TestNextHonoursContext(t *testing.T) {
	ch := progress.NewChannel("job", 8)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := ch.Next(ctx); ok {
		t.Fatal("expected Next to give up when context expires")
	}
}

func TestFuncReportNilSafe(t *testing.T) {
	var f progress.Func
	f.Report(10, "ignored")

	var got progress.Update
	f = func(u progress.Update) { got = u }
	f.Report(42, "downloading")
	if got.Percent != 42 || got.Message != "downloading" {
		t.Fatalf("unexpected update %+v", got)
	}
}
