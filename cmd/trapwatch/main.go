package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/trapwatch"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TRAPWATCH_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "trapwatch",
		Short:         "Steam trap health monitoring",
		Long:          "Evaluates acoustic steam trap telemetry, tracks leak status and steam losses, and serves the results.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the scheduler and the status API until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				app, err := trapwatch.New(cmd.Context(), trapwatch.WithLogger(logger), trapwatch.WithVersion(version))
				if err != nil {
					return err
				}
				return app.Run(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "run",
			Short: "Evaluate every registered trap once and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				app, err := trapwatch.New(cmd.Context(), trapwatch.WithLogger(logger), trapwatch.WithVersion(version))
				if err != nil {
					return err
				}
				sum, err := app.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				logger.Info("run complete",
					"run_id", sum.RunID, "status", sum.Status,
					"traps", sum.Traps, "failed", sum.Failed, "samples", sum.Samples)
				if sum.Failed > 0 {
					return fmt.Errorf("%d of %d traps failed", sum.Failed, sum.Traps)
				}
				return nil
			},
		},
		newEvalCmd(),
	)
	return root
}
