// Package services defines shared utilities consumed by the pipeline stages and
// the external tool adapters.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, and correlation
//     identifiers for logging and tracing.
//   - The error taxonomy (unsupported source, fetch, detection, transcription,
//     cache io, cancelled) plus the Wrap helper that keeps stage context while
//     preserving the marker for errors.Is classification.
//   - A command runner abstraction that streams output lines from external
//     tools so adapters can report progress and tests can fake invocations.
//
// Use these helpers when wiring new adapter logic so operational behaviour
// (error handling, observability, cancellation) stays uniform across stages.
package services
