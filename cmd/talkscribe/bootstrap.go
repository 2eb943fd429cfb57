package main

import (
	"context"
	"log/slog"

	"talkscribe/internal/cache"
	"talkscribe/internal/config"
	"talkscribe/internal/deps"
	"talkscribe/internal/downloader"
	"talkscribe/internal/job"
	"talkscribe/internal/logging"
	"talkscribe/internal/pipeline"
	"talkscribe/internal/scenedetect"
	"talkscribe/internal/transcribe"
)

func jobDefaults(cfg *config.Config) job.Defaults {
	return job.Defaults{
		Model:          job.ParseModel(cfg.Pipeline.DefaultModel, job.ModelMedium),
		Sensitivity:    cfg.Pipeline.DefaultSensitivity,
		MinSensitivity: cfg.Pipeline.MinSensitivity,
		MaxSensitivity: cfg.Pipeline.MaxSensitivity,
		DetectSlides:   cfg.Pipeline.DetectSlides,
		AllowedHosts:   cfg.Sources.AllowedHosts,
	}
}

func newOrchestrator(cfg *config.Config, store *cache.Store, logger *slog.Logger) *pipeline.Orchestrator {
	dl := downloader.New(downloader.Config{
		YTDLP:  cfg.Tools.YTDLP,
		FFmpeg: cfg.Tools.FFmpeg,
	}, nil, logger)
	det := scenedetect.New(cfg.Tools.FFmpeg, cfg.SceneHeartbeat(), nil, logger)
	tr := transcribe.New(transcribe.Config{
		UVX:         cfg.Tools.UVX,
		CUDAEnabled: cfg.WhisperX.CUDAEnabled,
		VADMethod:   cfg.WhisperX.VADMethod,
		HFToken:     cfg.WhisperX.HFToken,
		Language:    cfg.WhisperX.Language,
		LargeModel:  cfg.WhisperX.LargeModel,
	}, nil, logger)
	return pipeline.New(store, dl, det, tr, pipeline.Options{Logger: logger})
}

// warnMissingDependencies logs each required tool that cannot be found.
func warnMissingDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) []deps.Status {
	missing := deps.Missing(deps.CheckBinaries(deps.Requirements(cfg)))
	for _, status := range missing {
		logging.WarnWithContext(ctx, logger, "required tool unavailable", "dependency_missing",
			logging.String("dependency", status.Name),
			logging.String("command", status.Command),
			logging.String("detail", status.Detail),
			logging.String(logging.FieldErrorHint, "install it or set its path under [tools] in the config"),
			logging.String(logging.FieldImpact, "jobs needing this tool will fail"),
		)
	}
	return missing
}
