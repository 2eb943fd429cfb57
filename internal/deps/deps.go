// Package deps reports whether the external programs the pipeline shells out
// to are installed.
package deps

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"talkscribe/internal/config"
	"talkscribe/internal/services"
)

const versionTimeout = 5 * time.Second

// Requirement names one external binary.
type Requirement struct {
	Name        string
	Command     string
	Description string
	// VersionArgs, when set, are passed to Command to read its version.
	VersionArgs []string
	Optional    bool
}

// Status reports the availability of a Requirement.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Path        string `json:"path,omitempty"`
	Version     string `json:"version,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Requirements lists the binaries configured in cfg.
func Requirements(cfg *config.Config) []Requirement {
	tools := config.Default().Tools
	if cfg != nil {
		tools = cfg.Tools
	}
	return []Requirement{
		{Name: "yt-dlp", Command: tools.YTDLP, Description: "Downloads videos and reads their metadata", VersionArgs: []string{"--version"}},
		{Name: "FFmpeg", Command: tools.FFmpeg, Description: "Extracts audio and scores scene changes", VersionArgs: []string{"-version"}},
		{Name: "uvx", Command: tools.UVX, Description: "Runs WhisperX for transcription", VersionArgs: []string{"--version"}},
	}
}

// CheckBinaries resolves each requirement on PATH without executing anything.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		results = append(results, lookup(req))
	}
	return results
}

// Check resolves each requirement and, for those found, records the first line
// of their version output. A failing version probe leaves the binary marked
// available.
func Check(ctx context.Context, runner services.CommandRunner, requirements []Requirement) []Status {
	if runner == nil {
		runner = services.NewExecRunner()
	}
	results := CheckBinaries(requirements)
	for i, req := range requirements {
		if !results[i].Available || len(req.VersionArgs) == 0 {
			continue
		}
		results[i].Version = probeVersion(ctx, runner, results[i].Path, req.VersionArgs)
	}
	return results
}

// Missing returns the required statuses that are unavailable.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			out = append(out, s)
		}
	}
	return out
}

func lookup(req Requirement) Status {
	cmd := strings.TrimSpace(req.Command)
	status := Status{
		Name:        req.Name,
		Command:     cmd,
		Description: strings.TrimSpace(req.Description),
		Optional:    req.Optional,
	}
	if cmd == "" {
		status.Detail = "command not configured"
		return status
	}
	path, err := exec.LookPath(cmd)
	if err != nil {
		status.Detail = fmt.Sprintf("binary %q not found", cmd)
		return status
	}
	status.Available = true
	status.Path = path
	return status
}

func probeVersion(ctx context.Context, runner services.CommandRunner, path string, args []string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	var first string
	_ = runner.Run(ctx, path, args, func(stream services.Stream, line string) {
		if first == "" && stream == services.Stdout {
			first = strings.TrimSpace(line)
		}
	})
	return first
}
