package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1048576 // 1MB
	DefaultRolesHeader     = "X-User-Roles"
	DefaultTLSMinVersion   = "1.3"
	DefaultTLSReload       = 5 * time.Minute

	// Database defaults
	DefaultDatabaseDriver       = "sqlite"
	DefaultDatabaseDSN          = "data/tokengate.db"
	DefaultDatabaseMaxOpenConns = 10
	DefaultDatabaseMaxIdleConns = 5
	DefaultDatabaseBusyTimeout  = 5 * time.Second

	// Redis defaults
	DefaultRedisAddress     = "localhost:6379"
	DefaultRedisPoolSize    = 10
	DefaultRedisDialTimeout = 5 * time.Second

	// Bucket defaults
	DefaultBucketStrategy        = "LEAKY_BUCKET"
	DefaultBucketCapacity        = int64(1000)
	DefaultBucketLeakRate        = 10.0
	DefaultBucketWindowSeconds   = int64(60)
	DefaultBucketStore           = "memory"
	DefaultBucketKeyPrefix       = "token-bucket"
	DefaultBucketEntryTTL        = 6 * time.Hour
	DefaultBucketCleanupInterval = 30 * time.Minute
	DefaultBucketUsageEvents     = true

	// Quota defaults
	DefaultQuotaWindow     = 24 * time.Hour
	DefaultQuotaMaxRetries = 5

	// Tier defaults
	DefaultTier           = "USER"
	DefaultTierMultiplier = 1.0

	// Feature defaults
	DefaultQuotaEnforcement = true
	DefaultSagaPurchases    = true

	// Saga defaults
	DefaultRecoveryEnabled    = true
	DefaultRecoveryStaleAfter = 10 * time.Minute
	DefaultRecoveryInterval   = 60 * time.Second
	DefaultRecoveryBatchSize  = 100

	// Outbox defaults
	DefaultOutboxEnabled      = true
	DefaultOutboxBatchSize    = 50
	DefaultOutboxPollInterval = 2 * time.Second
	DefaultOutboxTopic        = "token-usage"

	// Bus defaults
	DefaultBusType              = "log"
	DefaultKafkaClientID        = "tokengate"
	DefaultKafkaDeliveryTimeout = 10 * time.Second

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultRedactPII          = true
	DefaultMetricsEnabled     = true
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "tokengate"
	DefaultTracingSampler     = "ratio"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingServiceName = "tokengate"
	DefaultTracingTimeout     = 10 * time.Second
	DefaultLivenessPath       = "/health"
	DefaultReadinessPath      = "/ready"
	DefaultHealthCheckTimeout = 5 * time.Second
)

// DefaultWaitBuckets are the rate limit wait histogram buckets in seconds.
var DefaultWaitBuckets = []float64{1, 5, 10, 30, 60, 300, 900, 3600}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Server.RolesHeader == "" {
		cfg.Server.RolesHeader = DefaultRolesHeader
	}
	if cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = DefaultTLSMinVersion
	}
	if cfg.Server.TLS.ReloadInterval == 0 {
		cfg.Server.TLS.ReloadInterval = DefaultTLSReload
	}

	// Database defaults
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DefaultDatabaseDriver
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver != "postgres" {
		cfg.Database.DSN = DefaultDatabaseDSN
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = DefaultDatabaseMaxOpenConns
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = DefaultDatabaseMaxIdleConns
	}
	if cfg.Database.BusyTimeout == 0 {
		cfg.Database.BusyTimeout = DefaultDatabaseBusyTimeout
	}

	// Redis defaults
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = DefaultRedisAddress
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = DefaultRedisPoolSize
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = DefaultRedisDialTimeout
	}

	applyBucketDefaults(&cfg.Bucket)

	// Quota defaults
	if cfg.Quota.Window == 0 {
		cfg.Quota.Window = DefaultQuotaWindow
	}
	if cfg.Quota.MaxRetries == 0 {
		cfg.Quota.MaxRetries = DefaultQuotaMaxRetries
	}

	// Tier defaults
	if cfg.Tiers.Default == "" {
		cfg.Tiers.Default = DefaultTier
	}
	for name, tier := range cfg.Tiers.Levels {
		if tier.CapacityMultiplier == 0 {
			tier.CapacityMultiplier = DefaultTierMultiplier
		}
		if tier.RateMultiplier == 0 {
			tier.RateMultiplier = DefaultTierMultiplier
		}
		cfg.Tiers.Levels[name] = tier
	}

	// Feature defaults
	if cfg.Features.QuotaEnforcement == nil {
		cfg.Features.QuotaEnforcement = boolPtr(DefaultQuotaEnforcement)
	}
	if cfg.Features.SagaPurchases == nil {
		cfg.Features.SagaPurchases = boolPtr(DefaultSagaPurchases)
	}

	// Saga defaults
	if cfg.Saga.Recovery.Enabled == nil {
		cfg.Saga.Recovery.Enabled = boolPtr(DefaultRecoveryEnabled)
	}
	if cfg.Saga.Recovery.StaleAfter == 0 {
		cfg.Saga.Recovery.StaleAfter = DefaultRecoveryStaleAfter
	}
	if cfg.Saga.Recovery.Interval == 0 {
		cfg.Saga.Recovery.Interval = DefaultRecoveryInterval
	}
	if cfg.Saga.Recovery.BatchSize == 0 {
		cfg.Saga.Recovery.BatchSize = DefaultRecoveryBatchSize
	}

	// Outbox defaults
	if cfg.Outbox.Enabled == nil {
		cfg.Outbox.Enabled = boolPtr(DefaultOutboxEnabled)
	}
	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = DefaultOutboxBatchSize
	}
	if cfg.Outbox.PollInterval == 0 {
		cfg.Outbox.PollInterval = DefaultOutboxPollInterval
	}
	if cfg.Outbox.Topic == "" {
		cfg.Outbox.Topic = DefaultOutboxTopic
	}

	// Bus defaults
	if cfg.Bus.Type == "" {
		cfg.Bus.Type = DefaultBusType
	}
	if cfg.Bus.Kafka.ClientID == "" {
		cfg.Bus.Kafka.ClientID = DefaultKafkaClientID
	}
	if cfg.Bus.Kafka.DeliveryTimeout == 0 {
		cfg.Bus.Kafka.DeliveryTimeout = DefaultKafkaDeliveryTimeout
	}

	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyBucketDefaults(b *BucketConfig) {
	if b.Strategy == "" {
		b.Strategy = DefaultBucketStrategy
	}
	if b.Capacity == 0 {
		b.Capacity = DefaultBucketCapacity
	}
	if b.LeakRatePerSecond == 0 {
		b.LeakRatePerSecond = DefaultBucketLeakRate
	}
	if b.WindowSeconds == 0 {
		b.WindowSeconds = DefaultBucketWindowSeconds
	}
	if b.Store == "" {
		b.Store = DefaultBucketStore
	}
	if b.KeyPrefix == "" {
		b.KeyPrefix = DefaultBucketKeyPrefix
	}
	if b.EntryTTL == 0 {
		b.EntryTTL = DefaultBucketEntryTTL
	}
	if b.CleanupInterval == 0 {
		b.CleanupInterval = DefaultBucketCleanupInterval
	}
	if b.UsageEvents == nil {
		b.UsageEvents = boolPtr(DefaultBucketUsageEvents)
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}
	if t.Logging.RedactPII == nil {
		t.Logging.RedactPII = boolPtr(DefaultRedactPII)
	}

	if t.Metrics.Enabled == nil {
		t.Metrics.Enabled = boolPtr(DefaultMetricsEnabled)
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if len(t.Metrics.WaitBuckets) == 0 {
		t.Metrics.WaitBuckets = append([]float64(nil), DefaultWaitBuckets...)
	}

	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
	if t.Tracing.Timeout == 0 {
		t.Tracing.Timeout = DefaultTracingTimeout
	}

	if t.Health.LivenessPath == "" {
		t.Health.LivenessPath = DefaultLivenessPath
	}
	if t.Health.ReadinessPath == "" {
		t.Health.ReadinessPath = DefaultReadinessPath
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}
