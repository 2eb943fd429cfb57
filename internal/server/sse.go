package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"talkscribe/internal/logging"
	"talkscribe/internal/progress"
	"talkscribe/internal/services"
)

// handleEvents streams a job's progress as server-sent events until the
// terminal event. Losing the client first cancels the job.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFor(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported", services.KindInternal)
		return
	}
	if !entry.claimObserver() {
		s.writeError(w, http.StatusConflict, "job already has an event subscriber", "")
		return
	}

	ctx := services.WithJobID(r.Context(), entry.job.ID)
	logger := logging.WithContext(ctx, s.logger)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		event, ok := entry.events.Next(ctx)
		if !ok {
			break
		}
		data, err := json.Marshal(event)
		if err != nil {
			logger.Error("failed to encode progress event", logging.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, sseEventName(event), data); err != nil {
			break
		}
		flusher.Flush()
		if event.Terminal() {
			return
		}
	}

	if !entry.finished() {
		logging.WarnWithContext(ctx, logger, "event stream closed before job finished; cancelling", "job_observer_lost",
			logging.String(logging.FieldErrorHint, "keep the event stream open until the job finishes"),
			logging.String(logging.FieldImpact, "the job is cancelled and nothing from the running stage is cached"),
		)
		entry.cancel()
	}
}

// sseEventName keeps the terminal event distinct from per-stage "done" and
// "error" events so clients can stop on a single name.
func sseEventName(e progress.Event) string {
	if !e.Terminal() {
		return string(e.Status)
	}
	if e.Status == progress.StatusDone {
		return "complete"
	}
	return "failed"
}
