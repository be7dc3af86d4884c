package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"mercator-hq/tokengate/pkg/admission"
	"mercator-hq/tokengate/pkg/cli"
	"mercator-hq/tokengate/pkg/config"
	"mercator-hq/tokengate/pkg/database"
	"mercator-hq/tokengate/pkg/limits"
	"mercator-hq/tokengate/pkg/limits/quota"
	"mercator-hq/tokengate/pkg/limits/storage"
	"mercator-hq/tokengate/pkg/limits/tier"
	"mercator-hq/tokengate/pkg/outbox"
	"mercator-hq/tokengate/pkg/saga"
	"mercator-hq/tokengate/pkg/telemetry/logging"
	"mercator-hq/tokengate/pkg/telemetry/metrics"
)

// app holds the services shared by the commands.
type app struct {
	store   *config.Store
	logger  *slog.Logger
	db      *database.DB
	redis   redis.UniversalClient
	metrics *metrics.Collector

	tiers       *tier.Resolver
	bucketStore storage.Store
	buckets     *limits.BucketService
	quotas      *quota.Service
	consumer    *admission.Consumer
	sagas       *saga.Service
	recovery    *saga.RecoveryJob
	outbox      *outbox.SQLStore

	closers []func() error
}

// loadStore loads the configuration named by --config. When the flag was
// left at its default and the file does not exist, defaults plus
// TOKENGATE_* environment overrides are used.
func loadStore(cmd *cobra.Command) (*config.Store, error) {
	path := cfgFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	if err := config.Initialize(path); err != nil {
		return nil, cli.NewConfigError("", err)
	}
	return config.GlobalStore(), nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	logCfg := logging.FromConfig(cfg.Telemetry.Logging)
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, cli.NewConfigError("telemetry.logging", err)
	}
	slog.SetDefault(logger)
	return logger, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Driver:       cfg.Driver,
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
		BusyTimeout:  cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// needsRedis reports whether any configured component uses Redis.
func needsRedis(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Bucket.Store, storage.BackendRedis) || strings.EqualFold(cfg.Bus.Type, "redis")
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{cfg.Address},
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	return client, nil
}

// newApp builds the core services from the store's current configuration.
// Feature flags and the saga failure switch read the store on every call so
// reloads apply immediately.
func newApp(ctx context.Context, store *config.Store, logger *slog.Logger) (_ *app, err error) {
	cfg := store.Current()
	a := &app{store: store, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.db, err = openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)

	if needsRedis(cfg) {
		a.redis, err = newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.redis.Close)
	}

	a.metrics = metrics.NewCollector(&cfg.Telemetry.Metrics, prometheus.NewRegistry())
	a.tiers = tier.NewResolver(cfg.Tiers)

	a.bucketStore, err = storage.New(ctx, cfg.Bucket, a.redis, a.db)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket store: %w", err)
	}
	a.closers = append(a.closers, a.bucketStore.Close)

	a.buckets, err = limits.NewBucketService(a.bucketStore, limits.BucketServiceConfig{
		Bucket:  cfg.Bucket,
		DB:      a.db,
		Logger:  logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, cli.NewConfigError("bucket", err)
	}

	a.quotas = quota.NewService(a.db, quota.Config{
		Window:      cfg.Quota.Window,
		MaxRetries:  cfg.Quota.MaxRetries,
		Enforcement: a.quotaEnforced,
		Logger:      logger,
	})
	a.consumer = admission.NewConsumer(a.buckets, a.quotas, admission.Config{Logger: logger, Metrics: a.metrics})
	a.sagas = saga.NewService(a.db, a.quotas, saga.Config{
		SimulateFailure: func() bool { return a.store.Current().Saga.SimulateFailure },
		Logger:          logger,
		Metrics:         a.metrics,
	})
	a.recovery = saga.NewRecoveryJob(a.db, saga.RecoveryConfig{
		StaleAfter: cfg.Saga.Recovery.StaleAfter,
		Interval:   cfg.Saga.Recovery.Interval,
		BatchSize:  cfg.Saga.Recovery.BatchSize,
		Logger:     logger,
		Metrics:    a.metrics,
	})
	a.outbox = outbox.NewSQLStore(a.db)

	store.OnChange(a.applyReload)
	return a, nil
}

func (a *app) quotaEnforced() bool {
	return config.Bool(a.store.Current().Features.QuotaEnforcement, config.DefaultQuotaEnforcement)
}

func (a *app) features() config.FeaturesConfig {
	return a.store.Current().Features
}

// applyReload pushes reloaded tiers and bucket settings into the running
// services. Feature flags need no push since they are read per request.
func (a *app) applyReload(cfg *config.Config) {
	a.tiers.Update(cfg.Tiers)
	if err := a.buckets.UpdateConfig(cfg.Bucket); err != nil {
		a.logger.Error("rejected reloaded bucket configuration", "error", err)
		return
	}
	a.logger.Info("applied reloaded configuration",
		"tiers", len(cfg.Tiers.Levels),
		"quota_enforcement", config.Bool(cfg.Features.QuotaEnforcement, config.DefaultQuotaEnforcement),
		"saga_purchases", config.Bool(cfg.Features.SagaPurchases, config.DefaultSagaPurchases),
	)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
