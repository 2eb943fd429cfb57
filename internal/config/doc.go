// Package config loads, normalizes, and validates talkscribe configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// TALKSCRIBE_CACHE_DIR and HF_TOKEN. Always obtain settings through this
// package so downstream code receives sanitized paths and clear validation
// errors.
package config
