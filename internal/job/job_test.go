package job_test

import (
	"errors"
	"math"
	"testing"

	"talkscribe/internal/job"
	"talkscribe/internal/services"
)

var defaults = job.Defaults{
	Model:          job.ModelMedium,
	Sensitivity:    0.3,
	MinSensitivity: 0.1,
	MaxSensitivity: 0.8,
	DetectSlides:   true,
}

func mustJob(t *testing.T, req job.Request) job.Job {
	t.Helper()
	j, err := job.New(req, defaults)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return j
}

func TestNewAppliesDefaultsAndClamps(t *testing.T) {
	off := false
	tests := []struct {
		name      string
		req       job.Request
		wantSens  float64
		wantModel job.Model
		wantSlide bool
	}{
		{name: "defaults", req: job.Request{URL: "https://youtu.be/dQw4w9WgXcQ"}, wantSens: 0.3, wantModel: job.ModelMedium, wantSlide: true},
		{name: "clamp high", req: job.Request{URL: "https://youtu.be/dQw4w9WgXcQ", Sensitivity: 0.95, Model: "LARGE"}, wantSens: 0.8, wantModel: job.ModelLarge, wantSlide: true},
		{name: "clamp low", req: job.Request{URL: "https://youtu.be/dQw4w9WgXcQ", Sensitivity: 0.01, Model: "tiny"}, wantSens: 0.1, wantModel: job.ModelTiny, wantSlide: true},
		{name: "unknown model", req: job.Request{URL: "https://youtu.be/dQw4w9WgXcQ", Sensitivity: 0.5, Model: "giant", DetectSlides: &off}, wantSens: 0.5, wantModel: job.ModelMedium, wantSlide: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := mustJob(t, tt.req)
			if j.Sensitivity != tt.wantSens {
				t.Fatalf("sensitivity = %v, want %v", j.Sensitivity, tt.wantSens)
			}
			if j.Model != tt.wantModel {
				t.Fatalf("model = %q, want %q", j.Model, tt.wantModel)
			}
			if j.DetectSlides != tt.wantSlide {
				t.Fatalf("detect slides = %v, want %v", j.DetectSlides, tt.wantSlide)
			}
			if j.ID == "" {
				t.Fatal("expected job id")
			}
		})
	}
}

func TestNewRejectsUnsupportedURL(t *testing.T) {
	_, err := job.New(job.Request{URL: "ftp://example.com/x"}, defaults)
	if !errors.Is(err, services.ErrUnsupportedSource) {
		t.Fatalf("expected ErrUnsupportedSource, got %v", err)
	}
	_, err = job.New(job.Request{URL: "https://youtu.be/dQw4w9WgXcQ", Sensitivity: math.NaN()}, defaults)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for NaN, got %v", err)
	}
}

func TestFingerprintSelectiveInvalidation(t *testing.T) {
	a := mustJob(t, job.Request{URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", Sensitivity: 0.3, Model: "small"})
	b := mustJob(t, job.Request{URL: "https://youtu.be/dQw4w9WgXcQ?si=x", Sensitivity: 0.5, Model: "small"})

	for _, stage := range []job.Stage{job.StageDownload, job.StageTranscribe} {
		if a.Fingerprint(stage) != b.Fingerprint(stage) {
			t.Fatalf("expected %s fingerprints to match across sensitivity change", stage)
		}
	}
	for _, stage := range []job.Stage{job.StageDetect, job.StageMerge} {
		if a.Fingerprint(stage) == b.Fingerprint(stage) {
			t.Fatalf("expected %s fingerprints to differ across sensitivity change", stage)
		}
	}

	c := mustJob(t, job.Request{URL: "https://youtu.be/dQw4w9WgXcQ", Sensitivity: 0.3, Model: "large"})
	if a.Fingerprint(job.StageDownload) != c.Fingerprint(job.StageDownload) {
		t.Fatal("model change must not invalidate download")
	}
	if a.Fingerprint(job.StageTranscribe) == c.Fingerprint(job.StageTranscribe) {
		t.Fatal("model change must invalidate transcription")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := job.Params{"source": "youtube:x", "model": "tiny", "sensitivity": "0.3000"}
	b := job.Params{"sensitivity": "0.3000", "model": "tiny", "source": "youtube:x"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected order-independent fingerprint")
	}
	if len(a.Fingerprint()) != 64 {
		t.Fatalf("expected hex sha256, got %q", a.Fingerprint())
	}

	j1 := mustJob(t, job.Request{URL: "https://youtu.be/dQw4w9WgXcQ", Sensitivity: 0.3})
	j2 := mustJob(t, job.Request{URL: "https://youtu.be/dQw4w9WgXcQ", Sensitivity: 0.1 + 0.2})
	if j1.Fingerprint(job.StageDetect) != j2.Fingerprint(job.StageDetect) {
		t.Fatal("expected float noise to encode identically")
	}
}

func TestParseStage(t *testing.T) {
	if s, err := job.ParseStage(" Transcribe "); err != nil || s != job.StageTranscribe {
		t.Fatalf("ParseStage = %q, %v", s, err)
	}
	if _, err := job.ParseStage("job"); err == nil {
		t.Fatal("expected job stage to be rejected for cache operations")
	}
}
