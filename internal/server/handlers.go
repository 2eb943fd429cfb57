package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"talkscribe/internal/cache"
	"talkscribe/internal/deps"
	"talkscribe/internal/job"
	"talkscribe/internal/logging"
	"talkscribe/internal/merge"
	"talkscribe/internal/pipeline"
	"talkscribe/internal/services"
)

const (
	requestIDHeader = "X-Request-ID"
	maxSubmitBody   = 64 << 10
)

func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		ctx := services.WithRequestID(r.Context(), rid)
		logging.WithContext(ctx, s.logger).Debug("api request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", services.KindValidation)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url is required", services.KindValidation)
		return
	}
	sensitivity := req.Sensitivity
	if sensitivity == 0 {
		sensitivity = req.Threshold
	}
	j, err := job.New(job.Request{
		URL:          req.URL,
		Sensitivity:  sensitivity,
		Model:        req.Model,
		DetectSlides: req.DetectSlides,
	}, s.opts.Defaults)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), services.Kind(err))
		return
	}

	s.submit(j)
	logging.WithContext(services.WithJobID(r.Context(), j.ID), s.logger).Info("job submitted",
		logging.String("source", j.Source.Identity),
		logging.String("model", string(j.Model)),
		logging.Float64("sensitivity", j.Sensitivity),
		logging.String(logging.FieldEventType, "job_submitted"),
	)
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:        j.ID,
		Source:       j.Source.Identity,
		Model:        string(j.Model),
		Sensitivity:  j.Sensitivity,
		DetectSlides: j.DetectSlides,
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFor(w, r)
	if !ok {
		return
	}
	status, _, finishedAt, err := entry.snapshot()
	resp := jobResponse{
		JobID:     entry.job.ID,
		Status:    string(status),
		Source:    entry.job.Source.Identity,
		CreatedAt: entry.job.CreatedAt,
	}
	if !finishedAt.IsZero() {
		resp.FinishedAt = &finishedAt
	}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorKind = services.Kind(err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFor(w, r)
	if !ok {
		return
	}
	if entry.finished() {
		s.writeError(w, http.StatusConflict, "job already finished", "")
		return
	}
	entry.cancel()
	logging.WithContext(services.WithJobID(r.Context(), entry.job.ID), s.logger).Info("job cancellation requested",
		logging.String(logging.FieldEventType, "job_cancel_requested"),
	)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": entry.job.ID, "status": "cancelling"})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFor(w, r)
	if !ok {
		return
	}
	res, ok := s.finishedResult(w, entry)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, resultResponse{
		JobID:      entry.job.ID,
		Title:      res.Title,
		Filename:   res.Filename,
		Duration:   res.Duration,
		Slides:     res.Document.Slides(),
		Transcript: merge.RenderText(res.Document),
		Document:   res.Document,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFor(w, r)
	if !ok {
		return
	}
	format, err := merge.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), services.KindValidation)
		return
	}
	res, ok := s.finishedResult(w, entry)
	if !ok {
		return
	}
	body, err := merge.Render(res.Document, format)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error(), services.KindInternal)
		return
	}
	name := merge.Filename(res.Title, format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error(), services.Kind(err))
		return
	}
	s.writeJSON(w, http.StatusOK, fromStats(stats))
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	var stage job.Stage
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" && raw != "all" {
		parsed, err := job.ParseStage(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error(), services.KindValidation)
			return
		}
		stage = parsed
	}
	if n := s.running(); n > 0 {
		s.writeError(w, http.StatusConflict, "cannot clear the cache while jobs are running", "")
		return
	}
	res, err := s.cache.Clear(r.Context(), stage)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cache.ErrLocked) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err.Error(), services.Kind(err))
		return
	}
	label := string(stage)
	if label == "" {
		label = "all"
	}
	logging.WithContext(r.Context(), s.logger).Info("cache cleared",
		logging.String(logging.FieldStage, label),
		logging.Int64("entries", res.Entries),
		logging.Int("artifacts", res.Artifacts),
		logging.String(logging.FieldEventType, "cache_cleared"),
	)
	s.writeJSON(w, http.StatusOK, clearResponse{Stage: label, Entries: res.Entries, Artifacts: res.Artifacts})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var statuses []deps.Status
	if s.opts.Health != nil {
		statuses = s.opts.Health(r.Context())
	}
	resp := healthResponse{Status: "ok", JobsRunning: s.running(), Dependencies: statuses}
	for _, missing := range deps.Missing(statuses) {
		resp.Missing = append(resp.Missing, missing.Name)
	}
	if len(resp.Missing) > 0 {
		resp.Status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) entryFor(w http.ResponseWriter, r *http.Request) (*jobEntry, bool) {
	id := mux.Vars(r)["id"]
	entry, ok := s.lookup(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found", "")
		return nil, false
	}
	return entry, true
}

func (s *Server) finishedResult(w http.ResponseWriter, entry *jobEntry) (pipeline.Result, bool) {
	status, res, _, err := entry.snapshot()
	switch status {
	case statusRunning:
		s.writeError(w, http.StatusNotFound, "result not ready", "")
		return pipeline.Result{}, false
	case statusFailed:
		s.writeError(w, http.StatusConflict, err.Error(), services.Kind(err))
		return pipeline.Result{}, false
	}
	return res, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, kind string) {
	s.writeJSON(w, status, errorResponse{Error: message, ErrorKind: kind})
}
