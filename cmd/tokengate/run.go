package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mercator-hq/tokengate/pkg/cli"
	"mercator-hq/tokengate/pkg/config"
	"mercator-hq/tokengate/pkg/limits"
	"mercator-hq/tokengate/pkg/outbox"
	"mercator-hq/tokengate/pkg/outbox/bus"
	"mercator-hq/tokengate/pkg/server"
	"mercator-hq/tokengate/pkg/telemetry/health"
	"mercator-hq/tokengate/pkg/telemetry/tracing"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the tokengate server",
	Long: `Start the tokengate HTTP server together with its background workers:
the outbox publisher, the stale saga recovery sweep, idle bucket cleanup and
the configuration file watcher.

Examples:
  # Start with default config
  tokengate run

  # Start with custom config
  tokengate run --config /etc/tokengate/config.yaml

  # Override listen address
  tokengate run --listen 0.0.0.0:8080

  # Validate config and connectivity without serving
  tokengate run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "build every component, then exit without serving")
}

func runServer(cmd *cobra.Command, args []string) error {
	store, err := loadStore(cmd)
	if err != nil {
		return err
	}
	// Flag overrides apply to this process only, not to the shared store.
	snapshot := *store.Current()
	cfg := &snapshot

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	tracer, err := tracing.New(&cfg.Telemetry.Tracing)
	if err != nil {
		return cli.NewConfigError("telemetry.tracing", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	a, err := newApp(ctx, store, logger)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer a.Close()

	messageBus, err := bus.New(ctx, cfg.Bus, a.redis, logger)
	if err != nil {
		return cli.NewCommandError("run", fmt.Errorf("failed to create %q bus: %w", cfg.Bus.Type, err))
	}
	a.closers = append(a.closers, messageBus.Close)

	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
	checker.RegisterCheck("database", health.PingCheck(a.db))
	checker.RegisterCheck("bus", health.PingCheck(messageBus))
	if a.redis != nil {
		checker.RegisterCheck("redis", health.RedisCheck(a.redis))
	}

	srv := server.NewServer(cfg, server.Deps{
		Consumer:  a.consumer,
		Sagas:     a.sagas,
		Quotas:    a.quotas,
		Tiers:     a.tiers,
		Health:    checker,
		Metrics:   a.metrics,
		Features:  a.features,
		Logger:    logger,
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildDate,
	})

	if runFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid, all components initialized")
		return nil
	}

	printBanner(cmd, cfg, messageBus.Name())

	g, ctx := errgroup.WithContext(ctx)

	if config.Bool(cfg.Outbox.Enabled, config.DefaultOutboxEnabled) {
		publisher := outbox.NewPublisher(a.outbox, messageBus, outbox.PublisherConfig{
			BatchSize:      cfg.Outbox.BatchSize,
			PollInterval:   cfg.Outbox.PollInterval,
			Topic:          cfg.Outbox.Topic,
			MaxPublishRate: cfg.Outbox.MaxPublishRate,
			Logger:         logger,
			Metrics:        a.metrics,
		})
		g.Go(func() error { return publisher.Run(ctx) })
	}

	if config.Bool(cfg.Saga.Recovery.Enabled, config.DefaultRecoveryEnabled) {
		if err := a.recovery.Start(ctx); err != nil {
			return cli.NewCommandError("run", err)
		}
		defer a.recovery.Stop()
	}

	cleanup := limits.NewCleanupJob(a.buckets, cfg.Bucket.CleanupInterval, logger)
	if err := cleanup.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	defer cleanup.Stop()

	if store.Path() != "" {
		watcher, err := config.NewWatcher(store, config.DefaultDebounceInterval, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		} else {
			g.Go(func() error { return watcher.Watch(ctx) })
		}
	}

	g.Go(func() error { return srv.Start(ctx) })

	if err := g.Wait(); err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Server stopped")
	return nil
}

func printBanner(cmd *cobra.Command, cfg *config.Config, busName string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Tokengate v%s\n", Version)
	if path := config.GlobalStore().Path(); path != "" {
		fmt.Fprintf(out, "✓ Configuration loaded from %s\n", path)
	} else {
		fmt.Fprintln(out, "✓ Configuration loaded from defaults and environment")
	}
	fmt.Fprintf(out, "✓ Database ready (%s)\n", cfg.Database.Driver)
	fmt.Fprintf(out, "✓ Bucket store: %s, strategy %s\n", cfg.Bucket.Store, cfg.Bucket.Strategy)
	fmt.Fprintf(out, "✓ Outbox bus: %s\n", busName)
	fmt.Fprintf(out, "✓ Listening on %s\n", cfg.Server.ListenAddress)
	fmt.Fprintf(out, "✓ Health endpoint: http://%s%s\n", cfg.Server.ListenAddress, cfg.Telemetry.Health.ReadinessPath)
	fmt.Fprintf(out, "✓ Metrics endpoint: http://%s%s\n", cfg.Server.ListenAddress, cfg.Telemetry.Metrics.Path)
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	slog.Debug("tier table loaded", "tiers", len(cfg.Tiers.Levels), "default", cfg.Tiers.Default)
}
