// Package transcribe runs WhisperX over extracted audio and returns ordered,
// non-overlapping transcript segments.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"talkscribe/internal/job"
	"talkscribe/internal/logging"
	"talkscribe/internal/merge"
	"talkscribe/internal/progress"
	"talkscribe/internal/services"
	"talkscribe/internal/textutil"
)

const stageName = string(job.StageTranscribe)

var progressPattern = regexp.MustCompile(`Progress:\s*([0-9]+(?:\.[0-9]+)?)%`)

// Transcriber invokes WhisperX through uvx.
type Transcriber struct {
	cfg    Config
	runner services.CommandRunner
	logger *slog.Logger
}

// New creates a Transcriber. A nil runner uses an ExecRunner that forces
// torch's legacy checkpoint loading, which WhisperX and pyannote still need.
func New(cfg Config, runner services.CommandRunner, logger *slog.Logger) *Transcriber {
	if cfg.UVX == "" {
		cfg.UVX = UVXCommand
	}
	if cfg.LargeModel == "" {
		cfg.LargeModel = DefaultLargeModel
	}
	if cfg.VADMethod == "" {
		cfg.VADMethod = VADMethodSilero
	}
	if runner == nil {
		exec := services.NewExecRunner()
		if os.Getenv("TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD") == "" {
			exec.Env = []string{"TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD=1"}
		}
		runner = exec
	}
	return &Transcriber{cfg: cfg, runner: runner, logger: logging.NewComponentLogger(logger, "transcribe")}
}

// CheckpointFor maps a model choice to the WhisperX checkpoint name.
func (t *Transcriber) CheckpointFor(model job.Model) string {
	switch model {
	case job.ModelTiny:
		return "tiny"
	case job.ModelSmall:
		return "small"
	case job.ModelLarge:
		return t.cfg.LargeModel
	default:
		return "medium"
	}
}

// Transcribe converts audioPath to segments. WhisperX writes into a private
// temporary directory so concurrent runs over the same audio never collide.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath string, model job.Model, report progress.Func) ([]merge.Segment, error) {
	if strings.TrimSpace(audioPath) == "" {
		return nil, services.Wrap(services.ErrTranscription, stageName, "transcribe", "audio path required", nil)
	}
	if _, err := os.Stat(audioPath); err != nil {
		return nil, services.Wrap(services.ErrTranscription, stageName, "transcribe", "audio file missing", err)
	}
	outputDir, err := os.MkdirTemp("", "talkscribe-whisperx-"+textutil.SanitizeToken(string(model))+"-")
	if err != nil {
		return nil, services.Wrap(services.ErrTranscription, stageName, "transcribe", "create output dir", err)
	}
	defer os.RemoveAll(outputDir)

	checkpoint := t.CheckpointFor(model)
	args := t.buildArgs(audioPath, outputDir, checkpoint)
	t.logger.InfoContext(ctx, "whisperx starting",
		logging.String("checkpoint", checkpoint),
		logging.Bool("cuda", t.cfg.CUDAEnabled),
		logging.String("vad", t.cfg.VADMethod),
	)

	last := -1.0
	onLine := func(_ services.Stream, line string) {
		m := progressPattern.FindStringSubmatch(line)
		if m == nil {
			return
		}
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil || pct <= last {
			return
		}
		last = pct
		report.Report(math.Min(pct, 100), fmt.Sprintf("Transcribing with %s model", model))
	}
	if err := t.runner.Run(ctx, t.cfg.UVX, args, onLine); err != nil {
		if cerr := services.Cancelled(ctx, stageName, err); errors.Is(cerr, services.ErrCancelled) {
			return nil, cerr
		}
		return nil, services.Wrap(services.ErrTranscription, stageName, "whisperx", "whisperx failed", err)
	}

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	raw, err := loadSegments(filepath.Join(outputDir, base+".json"))
	if err != nil {
		return nil, services.Wrap(services.ErrTranscription, stageName, "parse", "read whisperx output", err)
	}
	segments, err := normalize(raw)
	if err != nil {
		return nil, services.Wrap(services.ErrTranscription, stageName, "parse", "malformed whisperx output", err)
	}
	return segments, nil
}

func (t *Transcriber) buildArgs(source, outputDir, checkpoint string) []string {
	args := make([]string, 0, 40)
	if t.cfg.CUDAEnabled {
		args = append(args, "--index-url", CUDAIndexURL, "--extra-index-url", PypiIndexURL)
	} else {
		args = append(args, "--index-url", PypiIndexURL)
	}
	args = append(args,
		"whisperx",
		source,
		"--model", checkpoint,
		"--batch_size", BatchSize,
		"--output_dir", outputDir,
		"--output_format", OutputFormat,
		"--segment_resolution", SegmentResolution,
		"--chunk_size", ChunkSize,
		"--vad_onset", VADOnset,
		"--vad_offset", VADOffset,
		"--beam_size", BeamSize,
		"--temperature", Temperature,
		"--print_progress", "True",
		"--vad_method", t.cfg.VADMethod,
	)
	if t.cfg.VADMethod == VADMethodPyannote && t.cfg.HFToken != "" {
		args = append(args, "--hf_token", t.cfg.HFToken)
	}
	if lang := strings.TrimSpace(t.cfg.Language); lang != "" {
		args = append(args, "--language", lang)
	}
	if t.cfg.CUDAEnabled {
		args = append(args, "--device", CUDADevice)
	} else {
		args = append(args, "--device", CPUDevice, "--compute_type", CPUComputeType)
	}
	return args
}

// rawSegment mirrors one segment of WhisperX JSON output. Pointers detect
// missing timestamps.
type rawSegment struct {
	Text  string   `json:"text"`
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
}

type whisperXPayload struct {
	Segments *[]rawSegment `json:"segments"`
}

func loadSegments(jsonPath string) ([]rawSegment, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, err
	}
	var payload whisperXPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse whisperx json: %w", err)
	}
	if payload.Segments == nil {
		return nil, errors.New("whisperx json has no segments field")
	}
	return *payload.Segments, nil
}

// normalize validates raw segments and returns them sorted with whitespace
// collapsed, empty text dropped and overlaps clipped so every segment ends no
// later than the next one starts.
func normalize(raw []rawSegment) ([]merge.Segment, error) {
	out := make([]merge.Segment, 0, len(raw))
	for i, seg := range raw {
		if seg.Start == nil || seg.End == nil {
			return nil, fmt.Errorf("segment %d: missing timestamps", i)
		}
		start, end := *seg.Start, *seg.End
		if !finite(start) || !finite(end) || start < 0 || end < start {
			return nil, fmt.Errorf("segment %d: invalid span %v-%v", i, start, end)
		}
		text := strings.Join(strings.Fields(seg.Text), " ")
		if text == "" {
			continue
		}
		out = append(out, merge.Segment{Start: start, End: end, Text: text})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	for i := 0; i+1 < len(out); i++ {
		if out[i].End > out[i+1].Start {
			out[i].End = out[i+1].Start
		}
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
