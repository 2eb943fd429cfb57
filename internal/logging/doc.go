// Package logging assembles the structured slog loggers used across
// talkscribe.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so stage code can automatically
// tag log lines with job IDs, stage names, and correlation IDs. A no-op logger
// is provided for tests and wiring code that cannot fail.
package logging
