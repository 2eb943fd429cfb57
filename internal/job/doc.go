// Package job defines the unit of work the pipeline processes: a validated
// source plus the options that shape each stage, and the per-stage
// fingerprints that key the cache.
//
// Fingerprints only cover the fields a stage actually depends on. Download
// depends on the source alone and transcription adds the model, so changing
// the sensitivity reuses both and recomputes only detection and merge.
package job
