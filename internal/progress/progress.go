// Package progress carries ordered progress events from a running job to its
// single observer.
//
// Publishing never blocks the job. When the observer falls behind the oldest
// buffered event is dropped; the terminal event delivered by Finish is never
// dropped and always arrives last.
package progress

import (
	"context"
	"sync"
	"time"

	"talkscribe/internal/job"
)

// Status is the lifecycle position an event reports.
type Status string

const (
	StatusStarted  Status = "started"
	StatusProgress Status = "progress"
	StatusDone     Status = "done"
	StatusError    Status = "error"
)

// UnknownPercent marks events that carry no completion estimate.
const UnknownPercent = -1

const defaultCapacity = 256

// Event is one progress notification. Seq is strictly increasing per job.
type Event struct {
	Seq       int64     `json:"seq"`
	JobID     string    `json:"job_id"`
	Stage     job.Stage `json:"stage"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Percent   float64   `json:"percent"`
	Cached    bool      `json:"cached,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Stage == job.StageJob && (e.Status == StatusDone || e.Status == StatusError)
}

// Update is what an adapter reports while it runs.
type Update struct {
	Percent float64
	Message string
}

// Func receives adapter updates. A nil Func is valid and discards updates.
type Func func(Update)

// Report calls f when it is non-nil.
func (f Func) Report(percent float64, message string) {
	if f != nil {
		f(Update{Percent: percent, Message: message})
	}
}

// Sink accepts events for one job.
type Sink interface {
	Publish(Event) Event
	Finish(Event) Event
}

// Channel is a bounded, drop-oldest event queue for one job and one observer.
type Channel struct {
	mu       sync.Mutex
	jobID    string
	capacity int
	buf      []Event
	nextSeq  int64
	dropped  int64
	finished bool
	drained  bool
	notify   chan struct{}
	done     chan struct{}
}

// NewChannel creates a channel holding at most capacity undelivered events.
func NewChannel(jobID string, capacity int) *Channel {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Channel{
		jobID:    jobID,
		capacity: capacity,
		buf:      make([]Event, 0, capacity),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Publish stamps and enqueues e. Events published after Finish are ignored
// and returned with Seq 0.
func (c *Channel) Publish(e Event) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return Event{}
	}
	e = c.stampLocked(e)
	if len(c.buf) >= c.capacity {
		c.buf = append(c.buf[:0], c.buf[1:]...)
		c.dropped++
	}
	c.buf = append(c.buf, e)
	c.signal()
	return e
}

// Finish enqueues the terminal event and closes the channel for publishing.
// Only the first call has an effect.
func (c *Channel) Finish(e Event) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return Event{}
	}
	e = c.stampLocked(e)
	if len(c.buf) >= c.capacity {
		c.buf = append(c.buf[:0], c.buf[1:]...)
		c.dropped++
	}
	c.buf = append(c.buf, e)
	c.finished = true
	close(c.done)
	c.signal()
	return e
}

// Next blocks until the next event is available. It returns false once the
// terminal event has been delivered or ctx is done.
func (c *Channel) Next(ctx context.Context) (Event, bool) {
	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			e := c.buf[0]
			c.buf = c.buf[1:]
			if c.finished && len(c.buf) == 0 {
				c.drained = true
			}
			c.mu.Unlock()
			return e, true
		}
		if c.drained || c.finished {
			c.drained = true
			c.mu.Unlock()
			return Event{}, false
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Done is closed when the terminal event has been published.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Dropped returns how many events were discarded because the observer lagged.
func (c *Channel) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Channel) stampLocked(e Event) Event {
	c.nextSeq++
	e.Seq = c.nextSeq
	e.JobID = c.jobID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Publish(e Event) Event { return e }
func (Discard) Finish(e Event) Event  { return e }
