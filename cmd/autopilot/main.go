package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/topcoder-platform/autopilot/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger()
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "starting autopilot service",
		"environment", cfg.Environment,
		"bus_brokers", cfg.Bus.Brokers,
		"bus_enabled", cfg.Bus.Enabled,
		"recovery_enabled", cfg.Recovery.Enabled,
		"health_enabled", cfg.HTTP.Enabled)

	container, err := bootstrap.Wire(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	if container.MockMode {
		logger.InfoContext(ctx, "event bus running in mock mode")
	}

	return bootstrap.Run(ctx, container)
}
