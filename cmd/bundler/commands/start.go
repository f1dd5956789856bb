package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/bundler"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bundler service",
	Long: `Start the bundler service with the specified configuration.

The service runs in the foreground until interrupted; use a process
supervisor for daemonization.

Examples:
  # Start with the default config location
  ar-bundler start

  # Start with a custom config file
  ar-bundler start --config /etc/ar-bundler/config.yaml

  # Override settings with environment variables
  BUNDLER_LOGGING_LEVEL=DEBUG ar-bundler start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// SIGINT/SIGTERM cancel the context; a second signal kills the
	// process via the default handler.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))

	core, err := bundler.New(ctx, cfg, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer core.Close()

	if err := core.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("bundler stopped")
	return nil
}
