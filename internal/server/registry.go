package server

import (
	"context"
	"sync"
	"time"

	"talkscribe/internal/job"
	"talkscribe/internal/pipeline"
	"talkscribe/internal/progress"
)

type jobStatus string

const (
	statusRunning jobStatus = "running"
	statusDone    jobStatus = "done"
	statusFailed  jobStatus = "failed"
)

type jobEntry struct {
	job    job.Job
	events *progress.Channel
	cancel context.CancelFunc

	mu         sync.Mutex
	observed   bool
	done       bool
	result     pipeline.Result
	err        error
	finishedAt time.Time
}

func (e *jobEntry) complete(res pipeline.Result, err error, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = true
	e.result = res
	e.err = err
	e.finishedAt = at
}

func (e *jobEntry) finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *jobEntry) finishedBefore(cutoff time.Time) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.done {
		return false, false
	}
	return e.finishedAt.Before(cutoff), true
}

func (e *jobEntry) snapshot() (jobStatus, pipeline.Result, time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case !e.done:
		return statusRunning, pipeline.Result{}, time.Time{}, nil
	case e.err != nil:
		return statusFailed, pipeline.Result{}, e.finishedAt, e.err
	default:
		return statusDone, e.result, e.finishedAt, nil
	}
}

// claimObserver reserves the event stream; only the first caller succeeds.
func (e *jobEntry) claimObserver() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.observed {
		return false
	}
	e.observed = true
	return true
}

// deferredSink forwards progress but holds back the terminal event so the
// registry records the result before observers learn the job ended.
type deferredSink struct {
	target progress.Sink

	mu       sync.Mutex
	final    progress.Event
	hasFinal bool
}

func (d *deferredSink) Publish(e progress.Event) progress.Event {
	return d.target.Publish(e)
}

func (d *deferredSink) Finish(e progress.Event) progress.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasFinal {
		d.final = e
		d.hasFinal = true
	}
	return e
}

func (d *deferredSink) terminal() (progress.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.final, d.hasFinal
}
