// Package main hosts the talkscribe CLI.
//
// The command tree runs the HTTP server, executes one-shot jobs from the
// terminal, inspects and clears the stage cache, scaffolds configuration and
// reports which external tools are installed. Pipeline behavior lives in the
// internal packages; commands here only resolve configuration and wire them
// together.
package main
