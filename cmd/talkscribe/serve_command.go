package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"talkscribe/internal/cache"
	"talkscribe/internal/deps"
	"talkscribe/internal/logging"
	"talkscribe/internal/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bindFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			bind := cfg.Server.Bind
			if strings.TrimSpace(bindFlag) != "" {
				bind = strings.TrimSpace(bindFlag)
			}

			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if cfg.Paths.LogDir != "" {
				logging.PruneOldLogs(logger, cfg.Paths.LogDir, "talkscribe*.log", cfg.Logging.RetentionDays,
					filepath.Join(cfg.Paths.LogDir, logging.LogFileName))
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

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			warnMissingDependencies(runCtx, cfg, logger)

			go func() {
				if err := store.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					logging.WarnWithContext(runCtx, logger, "cache watcher stopped", "cache_watch_failed",
						logging.Error(err),
						logging.String(logging.FieldImpact, "externally deleted artifacts are detected on next use instead"),
					)
				}
			}()

			srv := server.New(newOrchestrator(cfg, store, logger), store, server.Options{
				Logger:         logger,
				Defaults:       jobDefaults(cfg),
				AllowedOrigins: cfg.Server.AllowedOrigins,
				ResultTTL:      cfg.ResultTTL(),
				EventBuffer:    cfg.Server.EventBuffer,
				Health: func(ctx context.Context) []deps.Status {
					return deps.Check(ctx, nil, deps.Requirements(cfg))
				},
			})
			return srv.Serve(runCtx, bind)
		},
	}
	cmd.Flags().StringVar(&bindFlag, "bind", "", "Listen address (overrides server.bind)")
	return cmd
}
