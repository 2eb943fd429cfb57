// Package cache persists stage outputs so repeated jobs reuse earlier work.
//
// Entries live in a SQLite index (one keyspace per stage, addressed by
// fingerprint) and are append-once: a second Put for the same key is a no-op.
// Downloaded media is kept in artifact directories named after the download
// fingerprint; adapters write into a staging directory that is promoted with
// a single rename once the stage succeeds, so readers never observe partial
// output.
//
// A small in-memory layer fronts the index. Watch keeps it honest when
// artifact directories are removed behind the store's back.
//
// The cache is an optimization. Callers treat ErrCacheIO from Get as a miss
// and from Put as "not cached" rather than failing the job.
package cache
