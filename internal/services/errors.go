package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Taxonomy markers. Stage errors wrap exactly one of these so the pipeline and
// the transport can classify failures with errors.Is.
var (
	ErrUnsupportedSource = errors.New("unsupported source")
	ErrFetch             = errors.New("fetch failed")
	ErrVideoUnavailable  = fmt.Errorf("%w: video unavailable", ErrFetch)
	ErrNetwork           = fmt.Errorf("%w: network error", ErrFetch)
	ErrDetection         = errors.New("scene detection failed")
	ErrTranscription     = errors.New("transcription failed")
	ErrCacheIO           = errors.New("cache io error")
	ErrCancelled         = errors.New("cancelled")
	ErrValidation        = errors.New("validation error")
	ErrConfiguration     = errors.New("configuration error")
)

// Kind values reported to clients in terminal error events.
const (
	KindUnsupportedSource = "UnsupportedSourceError"
	KindFetch             = "FetchError"
	KindDetection         = "DetectionError"
	KindTranscription     = "TranscriptionError"
	KindCacheIO           = "CacheIOError"
	KindCancelled         = "CancelledError"
	KindValidation        = "ValidationError"
	KindInternal          = "InternalError"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of
// the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrValidation
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind maps an error onto the user-facing taxonomy name.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrUnsupportedSource):
		return KindUnsupportedSource
	case errors.Is(err, ErrFetch):
		return KindFetch
	case errors.Is(err, ErrDetection):
		return KindDetection
	case errors.Is(err, ErrTranscription):
		return KindTranscription
	case errors.Is(err, ErrCacheIO):
		return KindCacheIO
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration):
		return KindValidation
	default:
		return KindInternal
	}
}

// Cancelled converts context cancellation into the ErrCancelled marker. Other
// errors pass through untouched.
func Cancelled(ctx context.Context, stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if errors.Is(err, context.Canceled) || (ctx != nil && ctx.Err() != nil) {
		return Wrap(ErrCancelled, stage, "", "job cancelled", err)
	}
	return err
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
