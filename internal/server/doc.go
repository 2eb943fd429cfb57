// Package server exposes the pipeline over HTTP.
//
// Clients submit a job, follow its progress as a server-sent event stream and
// fetch the finished transcript in one of the supported formats. Each job has
// a single progress observer; a client that disconnects from the event stream
// before the terminal event cancels the job. Finished jobs are kept for the
// configured result TTL and then pruned.
package server
