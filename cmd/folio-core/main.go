// Command folio-core runs the orchestration core described in spec §1: the
// Scheduler, Dispatcher, Tailer, Reconciler, Retention Manager, and control
// surface, or a one-shot diagnostic/maintenance verb.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/core"
	"github.com/folio-org/folio-core/internal/retention/archive"
	"github.com/folio-org/folio-core/internal/store"
)

// Exit codes per spec §6: 0 clean, 1 config/startup error, 2 runtime
// failure, 130 interrupted (128 + SIGINT).
const (
	exitOK             = 0
	exitConfigError    = 1
	exitRuntimeFailure = 2
	exitInterrupted    = 130
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:   "folio-core",
		Short: "Scraper orchestration core",
	}

	rootCmd.AddCommand(serveCmd(), checkConfigCmd(), reconcileOnceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitRuntimeFailure)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, dispatcher, reconciler, retention manager, and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				slog.Error("folio-core: invalid configuration", "error", err)
				os.Exit(exitConfigError)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c, err := buildCore(ctx, cfg)
			if err != nil {
				slog.Error("folio-core: startup failed", "error", err)
				os.Exit(exitConfigError)
			}

			slog.Info("folio-core: serving")
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("folio-core: runtime failure", "error", err)
				os.Exit(exitRuntimeFailure)
			}

			if ctx.Err() != nil {
				slog.Info("folio-core: shut down on signal")
				os.Exit(exitInterrupted)
			}
			return nil
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfigError)
			}
			fmt.Println("configuration OK")
			os.Exit(exitOK)
			return nil
		},
	}
}

func reconcileOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile-once",
		Short: "Run a single Reconciler sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				slog.Error("folio-core: invalid configuration", "error", err)
				os.Exit(exitConfigError)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c, err := buildCore(ctx, cfg)
			if err != nil {
				slog.Error("folio-core: startup failed", "error", err)
				os.Exit(exitConfigError)
			}

			if err := c.ReconcileOnce(ctx); err != nil {
				slog.Error("folio-core: reconcile-once failed", "error", err)
				os.Exit(exitRuntimeFailure)
			}
			slog.Info("folio-core: reconcile-once complete")
			os.Exit(exitOK)
			return nil
		},
	}
}

func buildCore(ctx context.Context, cfg config.Config) (*core.Core, error) {
	st, err := store.Connect(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	var archiver *archive.Client
	if cfg.S3.Endpoint != "" {
		archiver, err = archive.New(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("connect archive: %w", err)
		}
	}

	return core.New(cfg, st, archiver)
}
