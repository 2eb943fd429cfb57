// Package scenedetect finds slide changes in a talk recording with ffmpeg's
// scene-change score.
//
// ffmpeg runs once and reports a score for every candidate frame; the
// threshold is applied afterwards. A higher threshold therefore always yields
// a subset of the markers found at a lower one, and the same video and
// threshold always yield the same markers.
package scenedetect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strconv"
	"time"

	"talkscribe/internal/job"
	"talkscribe/internal/logging"
	"talkscribe/internal/progress"
	"talkscribe/internal/services"
)

const (
	stageName = string(job.StageDetect)

	// candidateFloor bounds how many frames ffmpeg reports. It is always kept
	// below the requested threshold so filtering sees every qualifying frame.
	candidateFloor   = 0.05
	defaultHeartbeat = 30 * time.Second
)

var (
	ptsTimePattern    = regexp.MustCompile(`pts_time:\s*(-?[0-9]+(?:\.[0-9]+)?)`)
	sceneScorePattern = regexp.MustCompile(`lavfi\.scene_score=([0-9]+(?:\.[0-9]+)?)`)
)

// Request describes one detection run.
type Request struct {
	VideoPath string
	// Threshold is the minimum scene score in (0, 1]; lower is more sensitive.
	Threshold float64
	// Duration of the video in seconds; enables percent progress when > 0.
	Duration float64
}

// Detector wraps ffmpeg scene detection.
type Detector struct {
	ffmpeg    string
	runner    services.CommandRunner
	heartbeat time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// New builds a Detector. heartbeat controls how often progress is reported
// while ffmpeg scans (default 30s).
func New(ffmpeg string, heartbeat time.Duration, runner services.CommandRunner, logger *slog.Logger) *Detector {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if runner == nil {
		runner = services.NewExecRunner()
	}
	return &Detector{
		ffmpeg:    ffmpeg,
		runner:    runner,
		heartbeat: heartbeat,
		now:       time.Now,
		logger:    logging.NewComponentLogger(logger, "scenedetect"),
	}
}

// Frame is one scored frame reported by ffmpeg.
type Frame struct {
	Time  float64
	Score float64
}

// Detect returns strictly increasing slide-change timestamps in seconds.
func (d *Detector) Detect(ctx context.Context, req Request, report progress.Func) ([]float64, error) {
	if math.IsNaN(req.Threshold) || req.Threshold <= 0 || req.Threshold > 1 {
		return nil, services.Wrap(services.ErrDetection, stageName, "validate",
			fmt.Sprintf("threshold %v outside (0, 1]", req.Threshold), nil)
	}
	if req.VideoPath == "" {
		return nil, services.Wrap(services.ErrDetection, stageName, "validate", "video path required", nil)
	}

	floor := math.Min(candidateFloor, req.Threshold/2)
	args := []string{
		"-hide_banner",
		"-nostats",
		"-i", req.VideoPath,
		"-an", "-sn", "-dn",
		"-filter:v", fmt.Sprintf("select='gt(scene,%.4f)',metadata=print", floor),
		"-f", "null",
		"-",
	}

	var (
		frames      []Frame
		pending     = math.NaN()
		found       int
		lastBeat    = d.now()
		currentTime float64
	)
	onLine := func(_ services.Stream, line string) {
		if m := ptsTimePattern.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				pending = v
				currentTime = v
			}
		}
		if m := sceneScorePattern.FindStringSubmatch(line); m != nil && !math.IsNaN(pending) {
			if score, err := strconv.ParseFloat(m[1], 64); err == nil {
				frames = append(frames, Frame{Time: pending, Score: score})
				if score > req.Threshold {
					found++
				}
			}
			pending = math.NaN()
		}
		if now := d.now(); now.Sub(lastBeat) >= d.heartbeat {
			lastBeat = now
			pct := float64(progress.UnknownPercent)
			if req.Duration > 0 {
				pct = math.Min(99, 100*currentTime/req.Duration)
			}
			report.Report(pct, fmt.Sprintf("Detecting slide changes... %d transitions so far", found))
		}
	}

	if err := d.runner.Run(ctx, d.ffmpeg, args, onLine); err != nil {
		if cerr := services.Cancelled(ctx, stageName, err); errors.Is(cerr, services.ErrCancelled) {
			return nil, cerr
		}
		return nil, services.Wrap(services.ErrDetection, stageName, "ffmpeg", "scene detection failed", err)
	}

	markers := Filter(frames, req.Threshold)
	d.logger.InfoContext(ctx, "scene detection complete",
		logging.Int("candidates", len(frames)),
		logging.Int("markers", len(markers)),
		logging.Float64("threshold", req.Threshold),
	)
	report.Report(100, fmt.Sprintf("Detecting slide changes... found %d transitions", len(markers)))
	return markers, nil
}

// Filter keeps frames scoring strictly above threshold and returns their
// times sorted and deduplicated.
func Filter(frames []Frame, threshold float64) []float64 {
	out := make([]float64, 0, len(frames))
	for _, f := range frames {
		if f.Score > threshold && f.Time >= 0 && !math.IsNaN(f.Time) {
			out = append(out, f.Time)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
