package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/api"
	"github.com/fyrsmithlabs/mendd/internal/breaker"
	"github.com/fyrsmithlabs/mendd/internal/config"
	"github.com/fyrsmithlabs/mendd/internal/pattern"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API over the shared state directory",
	Long: `Serve the status API over the shared state directory.

The server exposes pattern, learning, circuit, and cooldown state for
the mendd client commands and the dashboard. When patterns.watch is
enabled the pattern store reloads automatically whenever another
process rewrites it, so a long-lived server tracks cycles run
elsewhere.

Examples:
  # Serve on the configured host and port (default localhost:9090)
  mendd serve

  # Serve with a custom config file
  mendd serve --config ./mendd.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	return serve(ctx, cfg)
}

// serve wires the status API from cfg and blocks until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if err := config.EnsureStateDir(cfg); err != nil {
		return fmt.Errorf("failed to prepare state dir: %w", err)
	}

	store, stats, cooldowns, err := openStores(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Patterns.Watch {
		watcher, err := pattern.NewWatcher(store, logger)
		if err != nil {
			return fmt.Errorf("failed to create pattern watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start pattern watcher: %w", err)
		}
		defer watcher.Stop()
	}

	// The server carries an empty breaker group: breakers live in the
	// process that dispatches, and a standalone server never does.
	breakers := breaker.NewGroup(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown.Duration(),
	}, logger)

	srv, err := api.NewServer(api.Deps{
		Store:     store,
		Stats:     stats,
		Breakers:  breakers,
		Cooldowns: cooldowns,
	}, cfg.Server, api.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create status api: %w", err)
	}

	logger.Info(ctx, "mendd server starting",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("state_dir", cfg.State.Dir))

	return srv.Run(ctx)
}
