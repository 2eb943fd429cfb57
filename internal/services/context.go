package services

import "context"

// Labels are the identifiers a job carries through its context. Empty fields
// are unset.
type Labels struct {
	JobID     string
	Stage     string
	RequestID string
}

type labelsKey struct{}

// LabelsFromContext returns the labels attached to ctx.
func LabelsFromContext(ctx context.Context) Labels {
	if ctx == nil {
		return Labels{}
	}
	l, _ := ctx.Value(labelsKey{}).(Labels)
	return l
}

func withLabel(ctx context.Context, value string, set func(*Labels, string)) context.Context {
	if value == "" {
		return ctx
	}
	l := LabelsFromContext(ctx)
	set(&l, value)
	return context.WithValue(ctx, labelsKey{}, l)
}

// WithJobID annotates ctx with the pipeline job identifier.
func WithJobID(ctx context.Context, id string) context.Context {
	return withLabel(ctx, id, func(l *Labels, v string) { l.JobID = v })
}

// WithStage annotates ctx with the stage currently running.
func WithStage(ctx context.Context, stage string) context.Context {
	return withLabel(ctx, stage, func(l *Labels, v string) { l.Stage = v })
}

// WithRequestID annotates ctx with the HTTP request that started the work.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withLabel(ctx, id, func(l *Labels, v string) { l.RequestID = v })
}

func JobIDFromContext(ctx context.Context) (string, bool) {
	id := LabelsFromContext(ctx).JobID
	return id, id != ""
}

func StageFromContext(ctx context.Context) (string, bool) {
	stage := LabelsFromContext(ctx).Stage
	return stage, stage != ""
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := LabelsFromContext(ctx).RequestID
	return id, id != ""
}
