package job

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"talkscribe/internal/services"
	"talkscribe/internal/source"
)

// Model selects the speech recognition model size.
type Model string

const (
	ModelTiny   Model = "tiny"
	ModelSmall  Model = "small"
	ModelMedium Model = "medium"
	ModelLarge  Model = "large"
)

// Models lists the supported models from fastest to most accurate.
var Models = []Model{ModelTiny, ModelSmall, ModelMedium, ModelLarge}

// ParseModel returns the matching model, or fallback when value is unknown.
func ParseModel(value string, fallback Model) Model {
	normalized := Model(strings.ToLower(strings.TrimSpace(value)))
	for _, m := range Models {
		if m == normalized {
			return m
		}
	}
	return fallback
}

// Stage names one pipeline phase. Each stage owns a separate cache keyspace.
type Stage string

const (
	StageDownload   Stage = "download"
	StageDetect     Stage = "detect"
	StageTranscribe Stage = "transcribe"
	StageMerge      Stage = "merge"
	// StageJob labels events that describe the job as a whole (the terminal event).
	StageJob Stage = "job"
)

// Stages lists the cacheable stages in execution order.
var Stages = []Stage{StageDownload, StageDetect, StageTranscribe, StageMerge}

// ParseStage validates a stage name.
func ParseStage(value string) (Stage, error) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range Stages {
		if s == normalized {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", value)
}

// Request is an unvalidated job submission.
type Request struct {
	URL         string
	Sensitivity float64
	Model       string
	// DetectSlides overrides Defaults.DetectSlides when set.
	DetectSlides *bool
}

// Defaults carries the configured fallbacks and limits applied to requests.
type Defaults struct {
	Model          Model
	Sensitivity    float64
	MinSensitivity float64
	MaxSensitivity float64
	DetectSlides   bool
	AllowedHosts   []string
}

// Job is a validated request. It lives only as long as the request that created it.
type Job struct {
	ID           string
	Source       source.Source
	Sensitivity  float64
	Model        Model
	DetectSlides bool
	CreatedAt    time.Time
}

// New validates req and applies defaults. Sensitivity is clamped to the
// configured range; zero or negative selects the default.
func New(req Request, defaults Defaults) (Job, error) {
	src, err := source.Parse(req.URL, defaults.AllowedHosts)
	if err != nil {
		return Job{}, err
	}
	if math.IsNaN(req.Sensitivity) || math.IsInf(req.Sensitivity, 0) {
		return Job{}, services.Wrap(services.ErrValidation, "job", "new", "sensitivity must be a finite number", nil)
	}
	fallback := defaults.Model
	if fallback == "" {
		fallback = ModelMedium
	}
	detect := defaults.DetectSlides
	if req.DetectSlides != nil {
		detect = *req.DetectSlides
	}
	return Job{
		ID:           uuid.NewString(),
		Source:       src,
		Sensitivity:  clampSensitivity(req.Sensitivity, defaults),
		Model:        ParseModel(req.Model, fallback),
		DetectSlides: detect,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func clampSensitivity(value float64, d Defaults) float64 {
	lo, hi := d.MinSensitivity, d.MaxSensitivity
	if lo <= 0 {
		lo = 0.1
	}
	if hi <= 0 || hi > 1 {
		hi = 1
	}
	if value <= 0 {
		value = d.Sensitivity
		if value <= 0 {
			value = 0.3
		}
	}
	return math.Min(math.Max(value, lo), hi)
}
