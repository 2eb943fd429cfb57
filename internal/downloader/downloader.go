// Package downloader fetches a talk with yt-dlp and extracts the 16 kHz mono
// audio track the transcriber expects.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"talkscribe/internal/job"
	"talkscribe/internal/logging"
	"talkscribe/internal/progress"
	"talkscribe/internal/services"
	"talkscribe/internal/source"
)

const (
	stageName = string(job.StageDownload)

	// VideoFile and AudioFile are the artifact names inside a download directory.
	VideoFile = "video.mp4"
	AudioFile = "audio.wav"

	formatSelector = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
)

var percentPattern = regexp.MustCompile(`^\[download\]\s+([0-9]+(?:\.[0-9]+)?)%`)

// Config names the external binaries.
type Config struct {
	YTDLP  string
	FFmpeg string
}

// Metadata describes the fetched video.
type Metadata struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

// Result is the download stage payload. File names are relative to the
// artifact directory so cached payloads survive a moved cache root.
type Result struct {
	Metadata
	Video string `json:"video"`
	Audio string `json:"audio"`
}

// VideoPath resolves the video file inside dir.
func (r Result) VideoPath(dir string) string { return filepath.Join(dir, r.Video) }

// AudioPath resolves the audio file inside dir.
func (r Result) AudioPath(dir string) string { return filepath.Join(dir, r.Audio) }

// Downloader wraps yt-dlp and ffmpeg.
type Downloader struct {
	cfg    Config
	runner services.CommandRunner
	logger *slog.Logger
}

// New builds a Downloader. A nil runner executes real processes.
func New(cfg Config, runner services.CommandRunner, logger *slog.Logger) *Downloader {
	if cfg.YTDLP == "" {
		cfg.YTDLP = "yt-dlp"
	}
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if runner == nil {
		runner = services.NewExecRunner()
	}
	return &Downloader{cfg: cfg, runner: runner, logger: logging.NewComponentLogger(logger, "downloader")}
}

// Fetch downloads src into dir and extracts its audio. dir must be empty and
// private to this call; the caller publishes it only when Fetch succeeds.
func (d *Downloader) Fetch(ctx context.Context, src source.Source, dir string, report progress.Func) (Result, error) {
	if strings.TrimSpace(src.URL) == "" {
		return Result{}, services.Wrap(services.ErrUnsupportedSource, stageName, "fetch", "url is required", nil)
	}

	meta, err := d.metadata(ctx, src.URL)
	if err != nil {
		return Result{}, err
	}
	report.Report(progress.UnknownPercent, fmt.Sprintf("Downloading %q", displayTitle(meta.Title)))

	if err := d.download(ctx, src.URL, dir, report); err != nil {
		return Result{}, err
	}
	report.Report(progress.UnknownPercent, "Extracting audio")
	if err := d.extractAudio(ctx, filepath.Join(dir, VideoFile), filepath.Join(dir, AudioFile)); err != nil {
		return Result{}, err
	}
	return Result{Metadata: meta, Video: VideoFile, Audio: AudioFile}, nil
}

func (d *Downloader) metadata(ctx context.Context, url string) (Metadata, error) {
	args := []string{"--skip-download", "--no-warnings", "--no-playlist", "--print", "title", "--print", "duration", url}
	var lines []string
	err := d.runner.Run(ctx, d.cfg.YTDLP, args, func(stream services.Stream, line string) {
		if stream == services.Stdout {
			lines = append(lines, strings.TrimSpace(line))
		}
	})
	if err != nil {
		return Metadata{}, d.fail(ctx, "metadata", err)
	}
	var meta Metadata
	if len(lines) > 0 {
		meta.Title = lines[0]
	}
	if len(lines) > 1 {
		if v, perr := strconv.ParseFloat(lines[1], 64); perr == nil && v > 0 {
			meta.Duration = v
		}
	}
	d.logger.InfoContext(ctx, "video metadata resolved",
		logging.String("title", meta.Title),
		logging.Float64("duration_seconds", meta.Duration),
	)
	return meta, nil
}

func (d *Downloader) download(ctx context.Context, url, dir string, report progress.Func) error {
	args := []string{
		"-f", formatSelector,
		"--merge-output-format", "mp4",
		"--no-playlist",
		"--no-warnings",
		"--newline",
		"-o", filepath.Join(dir, VideoFile),
		url,
	}
	sampler := logging.NewProgressSampler(5)
	part, lastPct := 1, -1.0
	err := d.runner.Run(ctx, d.cfg.YTDLP, args, func(stream services.Stream, line string) {
		if stream != services.Stdout {
			return
		}
		m := percentPattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			return
		}
		pct, perr := strconv.ParseFloat(m[1], 64)
		if perr != nil {
			return
		}
		// yt-dlp fetches video and audio streams separately; each restarts at 0%.
		if pct+1 < lastPct {
			part++
			sampler.Reset()
		}
		lastPct = pct
		if sampler.Allow(pct) {
			report.Report(pct, fmt.Sprintf("Downloading stream %d", part))
		}
	})
	if err != nil {
		return d.fail(ctx, "download", err)
	}
	if info, statErr := os.Stat(filepath.Join(dir, VideoFile)); statErr != nil || info.Size() == 0 {
		return services.Wrap(services.ErrFetch, stageName, "download", "yt-dlp produced no video file", statErr)
	}
	return nil
}

func (d *Downloader) extractAudio(ctx context.Context, video, audio string) error {
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", video,
		"-vn",
		"-sn",
		"-dn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		audio,
	}
	if err := d.runner.Run(ctx, d.cfg.FFmpeg, args, nil); err != nil {
		if cerr := services.Cancelled(ctx, stageName, err); errors.Is(cerr, services.ErrCancelled) {
			return cerr
		}
		return services.Wrap(services.ErrFetch, stageName, "extract audio", "ffmpeg audio extraction failed", err)
	}
	if info, err := os.Stat(audio); err != nil || info.Size() == 0 {
		return services.Wrap(services.ErrFetch, stageName, "extract audio", "ffmpeg produced no audio", err)
	}
	return nil
}

func (d *Downloader) fail(ctx context.Context, operation string, err error) error {
	if cerr := services.Cancelled(ctx, stageName, err); errors.Is(cerr, services.ErrCancelled) {
		return cerr
	}
	return classify(operation, err)
}

func displayTitle(title string) string {
	if strings.TrimSpace(title) == "" {
		return "video"
	}
	return title
}
