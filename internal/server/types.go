package server

import (
	"time"

	"talkscribe/internal/cache"
	"talkscribe/internal/deps"
	"talkscribe/internal/merge"
)

type submitRequest struct {
	URL string `json:"url"`
	// Threshold is accepted as an alias for Sensitivity.
	Threshold    float64 `json:"threshold"`
	Sensitivity  float64 `json:"sensitivity"`
	Model        string  `json:"model"`
	DetectSlides *bool   `json:"detect_slides"`
}

type submitResponse struct {
	JobID        string  `json:"job_id"`
	Source       string  `json:"source"`
	Model        string  `json:"model"`
	Sensitivity  float64 `json:"sensitivity"`
	DetectSlides bool    `json:"detect_slides"`
}

type jobResponse struct {
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"`
	Source     string     `json:"source"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
}

type resultResponse struct {
	JobID      string         `json:"job_id"`
	Title      string         `json:"title"`
	Filename   string         `json:"filename"`
	Duration   float64        `json:"duration"`
	Slides     int            `json:"slides"`
	Transcript string         `json:"transcript"`
	Document   merge.Document `json:"document"`
}

type clearResponse struct {
	Stage     string `json:"stage"`
	Entries   int64  `json:"entries"`
	Artifacts int    `json:"artifacts"`
}

type stageStats struct {
	Stage   string     `json:"stage"`
	Entries int        `json:"entries"`
	Bytes   int64      `json:"bytes"`
	Newest  *time.Time `json:"newest,omitempty"`
}

type statsResponse struct {
	Dir           string       `json:"dir"`
	Stages        []stageStats `json:"stages"`
	TotalEntries  int          `json:"total_entries"`
	ArtifactCount int          `json:"artifact_count"`
	ArtifactBytes int64        `json:"artifact_bytes"`
	FreeBytes     uint64       `json:"free_bytes"`
	FreeRatio     float64      `json:"free_ratio"`
}

func fromStats(s cache.Stats) statsResponse {
	out := statsResponse{
		Dir:           s.Dir,
		Stages:        make([]stageStats, 0, len(s.Stages)),
		TotalEntries:  s.TotalEntries(),
		ArtifactCount: s.ArtifactCount,
		ArtifactBytes: s.ArtifactBytes,
		FreeBytes:     s.FreeBytes,
		FreeRatio:     s.FreeRatio,
	}
	for _, st := range s.Stages {
		item := stageStats{Stage: string(st.Stage), Entries: st.Entries, Bytes: st.Bytes}
		if !st.Newest.IsZero() {
			newest := st.Newest
			item.Newest = &newest
		}
		out.Stages = append(out.Stages, item)
	}
	return out
}

type healthResponse struct {
	Status       string        `json:"status"`
	JobsRunning  int           `json:"jobs_running"`
	Dependencies []deps.Status `json:"dependencies"`
	Missing      []string      `json:"missing,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
}
