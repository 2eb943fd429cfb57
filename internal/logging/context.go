package logging

import (
	"context"
	"log/slog"

	"talkscribe/internal/services"
)

// Structured keys shared by every component.
const (
	FieldComponent     = "component"
	FieldJobID         = "job_id"
	FieldStage         = "stage"
	FieldCorrelationID = "correlation_id"
	FieldFingerprint   = "fingerprint"

	// FieldEventType classifies a line for filtering (cache_read_failed, ...).
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to try next.
	FieldErrorHint = "error_hint"
	// FieldImpact is what the user loses because of a warning.
	FieldImpact = "impact"
)

// ContextFields turns the labels on ctx into attributes.
func ContextFields(ctx context.Context) []slog.Attr {
	labels := services.LabelsFromContext(ctx)
	var fields []slog.Attr
	for _, f := range []struct{ key, value string }{
		{FieldJobID, labels.JobID},
		{FieldStage, labels.Stage},
		{FieldCorrelationID, labels.RequestID},
	} {
		if f.value != "" {
			fields = append(fields, slog.String(f.key, f.value))
		}
	}
	return fields
}

// WithContext returns logger annotated with the job, stage and request on ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
