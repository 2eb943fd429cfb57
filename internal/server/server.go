package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"talkscribe/internal/cache"
	"talkscribe/internal/deps"
	"talkscribe/internal/job"
	"talkscribe/internal/logging"
	"talkscribe/internal/pipeline"
	"talkscribe/internal/progress"
	"talkscribe/internal/services"
)

const (
	defaultResultTTL   = time.Hour
	defaultEventBuffer = 256
	pruneInterval      = time.Minute
	shutdownTimeout    = 5 * time.Second
)

// Runner executes a job, reporting to sink. *pipeline.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, j job.Job, sink progress.Sink) (pipeline.Result, error)
}

// CacheAdmin is the cache maintenance surface exposed over HTTP.
type CacheAdmin interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Clear(ctx context.Context, stage job.Stage) (cache.ClearResult, error)
}

// Options configures a Server.
type Options struct {
	Logger         *slog.Logger
	Defaults       job.Defaults
	AllowedOrigins []string
	ResultTTL      time.Duration
	EventBuffer    int
	// Health reports external dependency status; nil reports none.
	Health func(ctx context.Context) []deps.Status
	Now    func() time.Time
}

// Server owns the in-memory job registry and the HTTP handlers.
type Server struct {
	runner Runner
	cache  CacheAdmin
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*jobEntry

	httpServer *http.Server
}

// New builds a Server. Close must be called to cancel outstanding jobs.
func New(runner Runner, admin CacheAdmin, opts Options) *Server {
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = defaultResultTTL
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		runner:     runner,
		cache:      admin,
		opts:       opts,
		logger:     logging.NewComponentLogger(opts.Logger, "server"),
		now:        now,
		baseCtx:    base,
		cancelBase: cancel,
		jobs:       make(map[string]*jobEntry),
	}
}

// Handler returns the routed, CORS-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestContext)
	r.HandleFunc("/api/jobs", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{id}", s.handleJob).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}", s.handleCancel).Methods(http.MethodDelete)
	r.HandleFunc("/api/jobs/{id}/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}/result", s.handleResult).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}/download", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/clear", s.handleCacheClear).Methods(http.MethodPost)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
		ExposedHeaders: []string{"Content-Disposition", requestIDHeader},
	})
	return c.Handler(r)
}

// Serve listens on bind until ctx is cancelled, then shuts down gracefully
// and cancels every job still running.
func (s *Server) Serve(ctx context.Context, bind string) error {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	// No WriteTimeout: event streams stay open for the length of a job.
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go s.pruneLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()
	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.String(logging.FieldEventType, "server_started"),
	)

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Info("api server stopped", logging.String(logging.FieldEventType, "server_stopped"))
	return nil
}

// Close cancels all running jobs and waits for them to finish.
func (s *Server) Close() {
	s.cancelBase()
	s.wg.Wait()
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

// prune drops finished jobs older than the result TTL.
func (s *Server) prune() int {
	cutoff := s.now().Add(-s.opts.ResultTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, entry := range s.jobs {
		if finished, ok := entry.finishedBefore(cutoff); ok && finished {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("pruned finished jobs", logging.Int("count", removed))
	}
	return removed
}

func (s *Server) submit(j job.Job) *jobEntry {
	ctx, cancel := context.WithCancel(s.baseCtx)
	ctx = services.WithJobID(ctx, j.ID)
	entry := &jobEntry{
		job:    j,
		events: progress.NewChannel(j.ID, s.opts.EventBuffer),
		cancel: cancel,
	}

	s.prune()
	s.mu.Lock()
	s.jobs[j.ID] = entry
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		sink := &deferredSink{target: entry.events}
		res, err := s.runner.Run(ctx, j, sink)
		entry.complete(res, err, s.now())
		terminal, ok := sink.terminal()
		if !ok {
			terminal = terminalFor(err)
		}
		entry.events.Finish(terminal)
	}()
	return entry
}

func (s *Server) lookup(id string) (*jobEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	return entry, ok
}

func (s *Server) running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.jobs {
		if !entry.finished() {
			n++
		}
	}
	return n
}

func terminalFor(err error) progress.Event {
	if err == nil {
		return progress.Event{Stage: job.StageJob, Status: progress.StatusDone, Percent: 100, Message: "Done!"}
	}
	return progress.Event{
		Stage:     job.StageJob,
		Status:    progress.StatusError,
		Percent:   progress.UnknownPercent,
		Message:   err.Error(),
		ErrorKind: services.Kind(err),
	}
}
