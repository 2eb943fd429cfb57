package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"talkscribe/internal/cache"
	"talkscribe/internal/job"
	"talkscribe/internal/merge"
	"talkscribe/internal/pipeline"
	"talkscribe/internal/progress"
)

type runOptions struct {
	threshold float64
	model     string
	noSlides  bool
	format    string
	output    string
	quiet     bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Transcribe one video and print the annotated transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			format, err := merge.ParseFormat(opts.format)
			if err != nil {
				return err
			}

			req := job.Request{URL: args[0], Sensitivity: opts.threshold, Model: opts.model}
			if opts.noSlides {
				off := false
				req.DetectSlides = &off
			}
			j, err := job.New(req, jobDefaults(cfg))
			if err != nil {
				return err
			}

			logger, err := ctx.fileLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			store, err := cache.Open(cfg.Paths.CacheDir, cache.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer store.Close()
			if err := store.HoldShared(); err != nil {
				if errors.Is(err, cache.ErrLocked) {
					return fmt.Errorf("cache %s is being cleared by another process; retry shortly", store.Dir())
				}
				return err
			}
			warnMissingDependencies(cmd.Context(), cfg, logger)

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events := progress.NewChannel(j.ID, cfg.Server.EventBuffer)
			type outcome struct {
				res pipeline.Result
				err error
			}
			done := make(chan outcome, 1)
			orch := newOrchestrator(cfg, store, logger)
			go func() {
				res, err := orch.Run(runCtx, j, events)
				done <- outcome{res: res, err: err}
			}()

			errOut := cmd.ErrOrStderr()
			colorize := shouldColorize(errOut)
			for {
				// The orchestrator always finishes the channel, so drain without runCtx.
				event, ok := events.Next(context.Background())
				if !ok {
					break
				}
				if !opts.quiet {
					fmt.Fprintln(errOut, renderProgressLine(event, colorize))
				}
			}
			result := <-done
			if result.err != nil {
				return result.err
			}

			body, err := merge.Render(result.res.Document, format)
			if err != nil {
				return err
			}
			return writeTranscript(cmd, opts.output, result.res.Title, format, body)
		},
	}

	cmd.Flags().Float64VarP(&opts.threshold, "threshold", "t", 0, "Slide change sensitivity (0 uses the configured default)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Whisper model: tiny, small, medium or large")
	cmd.Flags().BoolVar(&opts.noSlides, "no-slides", false, "Skip slide change detection")
	cmd.Flags().StringVarP(&opts.format, "format", "f", string(merge.FormatText), "Output format: text, paragraphs, json or yaml")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the transcript to this file (\"auto\" derives a name from the title)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress progress output")
	return cmd
}

func writeTranscript(cmd *cobra.Command, output, title string, format merge.Format, body []byte) error {
	output = strings.TrimSpace(output)
	switch output {
	case "", "-":
		_, err := cmd.OutOrStdout().Write(body)
		return err
	case "auto":
		output = merge.Filename(title, format)
	}
	if err := os.WriteFile(output, body, 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", output)
	return nil
}
