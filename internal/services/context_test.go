package services_test

import (
	"context"
	"testing"

	"talkscribe/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, "job-42")
	ctx = services.WithStage(ctx, "transcribe")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.JobIDFromContext(ctx); !ok || id != "job-42" {
		t.Fatalf("unexpected job id: %v %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "transcribe" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	ctx = services.WithJobID(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
	if _, ok := services.JobIDFromContext(ctx); ok {
		t.Fatal("expected no job id value")
	}
}

func TestLabelsAccumulate(t *testing.T) {
	base := services.WithJobID(context.Background(), "job-1")
	download := services.WithStage(base, "download")
	detect := services.WithStage(base, "detect")

	if got := services.LabelsFromContext(download); got != (services.Labels{JobID: "job-1", Stage: "download"}) {
		t.Fatalf("unexpected labels %+v", got)
	}
	if stage, _ := services.StageFromContext(detect); stage != "detect" {
		t.Fatalf("sibling context leaked stage %q", stage)
	}
	if _, ok := services.StageFromContext(base); ok {
		t.Fatal("parent context gained a stage")
	}
}
