package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"talkscribe/internal/cache"
	"talkscribe/internal/job"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the stage cache",
	}
	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCacheClearCommand(ctx))
	return cacheCmd
}

func openCache(ctx *commandContext) (*cache.Store, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := ctx.fileLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	store, err := cache.Open(cfg.Paths.CacheDir, cache.Options{Logger: logger, DisableMemory: true})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return store, nil
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCache(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			const stampLayout = "2006-01-02 15:04"
			rows := make([][]string, 0, len(stats.Stages))
			for _, st := range stats.Stages {
				newest := "-"
				if !st.Newest.IsZero() {
					newest = st.Newest.Local().Format(stampLayout)
				}
				rows = append(rows, []string{string(st.Stage), strconv.Itoa(st.Entries), humanBytes(st.Bytes), newest})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cache:     %s\n", stats.Dir)
			fmt.Fprintf(out, "Entries:   %d\n", stats.TotalEntries())
			fmt.Fprintf(out, "Artifacts: %d (%s)\n", stats.ArtifactCount, humanBytes(stats.ArtifactBytes))
			if stats.TotalFSBytes > 0 {
				fmt.Fprintf(out, "Disk:      %s free (%.1f%%)\n", humanBytes(int64(stats.FreeBytes)), stats.FreeRatio*100)
			}
			if stats.StagingPresent > 0 {
				fmt.Fprintf(out, "Staging:   %d in-flight download(s)\n", stats.StagingPresent)
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Stage", "Entries", "Payload", "Newest"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	var stageFlag string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached stage results",
		Long: "Delete cached stage results. Without --stage every stage is cleared. " +
			"Clearing download also removes the downloaded media.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stage job.Stage
			if raw := strings.TrimSpace(stageFlag); raw != "" && raw != "all" {
				parsed, err := job.ParseStage(raw)
				if err != nil {
					return err
				}
				stage = parsed
			}

			store, err := openCache(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := store.Clear(cmd.Context(), stage)
			if err != nil {
				if errors.Is(err, cache.ErrLocked) {
					return fmt.Errorf("cache is in use by a running server; stop it or POST /api/cache/clear instead")
				}
				return err
			}
			label := string(stage)
			if label == "" {
				label = "all stages"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s: %d entries, %d artifact directories\n", label, res.Entries, res.Artifacts)
			return nil
		},
	}
	cmd.Flags().StringVarP(&stageFlag, "stage", "s", "", "Stage to clear: download, detect, transcribe, merge or all")
	return cmd
}
