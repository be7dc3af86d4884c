package config

import (
	"fmt"
	"strings"
	"time"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// fieldErrors accumulates FieldErrors.
type fieldErrors []FieldError

func (f *fieldErrors) add(field, format string, args ...any) {
	*f = append(*f, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs fieldErrors

	validateServer(&cfg.Server, &errs)
	validateDatabase(&cfg.Database, &errs)
	validateBucket(&cfg.Bucket, &errs)
	validateQuota(&cfg.Quota, &errs)
	validateTiers(&cfg.Tiers, &errs)
	validateSaga(&cfg.Saga, &errs)
	validateOutbox(&cfg.Outbox, &errs)
	validateBus(cfg, &errs)
	validateTelemetry(&cfg.Telemetry, &errs)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(cfg *ServerConfig, errs *fieldErrors) {
	if cfg.ListenAddress == "" {
		errs.add("server.listen_address", "listen address is required")
	}
	if cfg.ReadTimeout < 0 {
		errs.add("server.read_timeout", "read timeout must be positive")
	}
	if cfg.WriteTimeout < 0 {
		errs.add("server.write_timeout", "write timeout must be positive")
	}
	if cfg.IdleTimeout < 0 {
		errs.add("server.idle_timeout", "idle timeout must be positive")
	}
	if cfg.MaxHeaderBytes < 0 {
		errs.add("server.max_header_bytes", "max header bytes must be non-negative")
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" {
			errs.add("server.tls.cert_file", "cert file is required when TLS is enabled")
		}
		if cfg.TLS.KeyFile == "" {
			errs.add("server.tls.key_file", "key file is required when TLS is enabled")
		}
	}
	switch cfg.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		errs.add("server.tls.min_version", "invalid TLS version %q: must be '1.2' or '1.3'", cfg.TLS.MinVersion)
	}
	if cfg.TLS.ReloadInterval < 0 {
		errs.add("server.tls.reload_interval", "reload interval must be non-negative")
	}
}

func validateDatabase(cfg *DatabaseConfig, errs *fieldErrors) {
	switch cfg.Driver {
	case "sqlite", "sqlite3", "postgres":
	default:
		errs.add("database.driver", "invalid driver %q: must be 'sqlite', 'sqlite3', or 'postgres'", cfg.Driver)
	}
	if cfg.DSN == "" {
		errs.add("database.dsn", "dsn is required")
	}
	if cfg.MaxOpenConns < 0 {
		errs.add("database.max_open_conns", "max open connections must be non-negative")
	}
	if cfg.MaxIdleConns < 0 {
		errs.add("database.max_idle_conns", "max idle connections must be non-negative")
	}
}

var validStrategies = map[string]bool{"LEAKY_BUCKET": true, "TOKEN_BUCKET": true, "FIXED_WINDOW": true}

func validateBucket(cfg *BucketConfig, errs *fieldErrors) {
	if !validStrategies[strings.ToUpper(cfg.Strategy)] {
		errs.add("bucket.strategy", "invalid strategy %q: must be 'LEAKY_BUCKET', 'TOKEN_BUCKET', or 'FIXED_WINDOW'", cfg.Strategy)
	}
	if cfg.Capacity < 1 {
		errs.add("bucket.capacity", "capacity must be at least 1")
	}
	if cfg.LeakRatePerSecond <= 0 {
		errs.add("bucket.leak_rate_per_second", "leak rate must be positive")
	}
	if cfg.WindowSeconds < 1 {
		errs.add("bucket.window_seconds", "window must be at least 1 second")
	}

	switch cfg.Store {
	case "memory", "redis", "sql":
	default:
		errs.add("bucket.store", "invalid store %q: must be 'memory', 'redis', or 'sql'", cfg.Store)
	}

	if cfg.EntryTTL < 0 {
		errs.add("bucket.entry_ttl", "entry TTL must be non-negative")
	}
	if cfg.CleanupInterval < time.Second {
		errs.add("bucket.cleanup_interval", "cleanup interval must be at least 1s")
	}

	for name, override := range cfg.Providers {
		prefix := fmt.Sprintf("bucket.providers.%s", name)
		if override.Strategy != "" && !validStrategies[strings.ToUpper(override.Strategy)] {
			errs.add(prefix+".strategy", "invalid strategy %q", override.Strategy)
		}
		if override.Capacity < 0 {
			errs.add(prefix+".capacity", "capacity must be non-negative")
		}
		if override.LeakRatePerSecond < 0 {
			errs.add(prefix+".leak_rate_per_second", "leak rate must be non-negative")
		}
		if override.WindowSeconds < 0 {
			errs.add(prefix+".window_seconds", "window must be non-negative")
		}
	}
}

func validateQuota(cfg *QuotaConfig, errs *fieldErrors) {
	if cfg.Window < 0 {
		errs.add("quota.window", "window must be non-negative")
	}
	if cfg.MaxRetries < 1 {
		errs.add("quota.max_retries", "max retries must be at least 1")
	}
}

func validateTiers(cfg *TiersConfig, errs *fieldErrors) {
	if strings.TrimSpace(cfg.Default) == "" {
		errs.add("tiers.default", "default tier is required")
	}
	for name, tier := range cfg.Levels {
		prefix := fmt.Sprintf("tiers.levels.%s", name)
		if tier.Priority < 0 {
			errs.add(prefix+".priority", "priority must be non-negative")
		}
		if tier.CapacityMultiplier <= 0 {
			errs.add(prefix+".capacity_multiplier", "capacity multiplier must be positive")
		}
		if tier.RateMultiplier <= 0 {
			errs.add(prefix+".rate_multiplier", "rate multiplier must be positive")
		}
		if tier.QuotaMaxTokens != nil && *tier.QuotaMaxTokens < 0 {
			errs.add(prefix+".quota_max_tokens", "quota max tokens must be non-negative")
		}
	}
}

func validateSaga(cfg *SagaConfig, errs *fieldErrors) {
	if cfg.Recovery.StaleAfter <= 0 {
		errs.add("saga.recovery.stale_after", "stale threshold must be positive")
	}
	if cfg.Recovery.Interval < time.Second {
		errs.add("saga.recovery.interval", "recovery interval must be at least 1s")
	}
	if cfg.Recovery.BatchSize < 1 {
		errs.add("saga.recovery.batch_size", "batch size must be at least 1")
	}
}

func validateOutbox(cfg *OutboxConfig, errs *fieldErrors) {
	if cfg.BatchSize < 1 {
		errs.add("outbox.batch_size", "batch size must be at least 1")
	}
	if cfg.PollInterval <= 0 {
		errs.add("outbox.poll_interval", "poll interval must be positive")
	}
	if cfg.Topic == "" {
		errs.add("outbox.topic", "topic is required")
	}
	if cfg.MaxPublishRate < 0 {
		errs.add("outbox.max_publish_rate", "max publish rate must be non-negative")
	}
}

func validateBus(cfg *Config, errs *fieldErrors) {
	bus := &cfg.Bus
	switch bus.Type {
	case "log":
	case "kafka":
		if bus.Kafka.Brokers == "" {
			errs.add("bus.kafka.brokers", "brokers are required for the kafka bus")
		}
	case "amqp":
		if bus.AMQP.URL == "" {
			errs.add("bus.amqp.url", "url is required for the amqp bus")
		}
	case "redis":
		if cfg.Redis.Address == "" {
			errs.add("redis.address", "redis address is required for the redis bus")
		}
	case "sqs":
		if bus.SQS.QueueURL == "" {
			errs.add("bus.sqs.queue_url", "queue url is required for the sqs bus")
		}
		if bus.SQS.Region == "" {
			errs.add("bus.sqs.region", "region is required for the sqs bus")
		}
	case "sns":
		if bus.SNS.TopicARN == "" {
			errs.add("bus.sns.topic_arn", "topic arn is required for the sns bus")
		}
		if bus.SNS.Region == "" {
			errs.add("bus.sns.region", "region is required for the sns bus")
		}
	case "pubsub":
		if bus.PubSub.ProjectID == "" {
			errs.add("bus.pubsub.project_id", "project id is required for the pubsub bus")
		}
	default:
		errs.add("bus.type", "invalid bus type %q: must be 'log', 'kafka', 'amqp', 'redis', 'sqs', 'sns', or 'pubsub'", bus.Type)
	}
}

func validateTelemetry(cfg *TelemetryConfig, errs *fieldErrors) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs.add("telemetry.logging.level", "invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		errs.add("telemetry.logging.format", "invalid logging format %q: must be 'json', 'text', or 'console'", cfg.Logging.Format)
	}

	if Bool(cfg.Metrics.Enabled, DefaultMetricsEnabled) && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs.add("telemetry.metrics.path", "metrics path must start with /")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs.add("telemetry.tracing.endpoint", "tracing endpoint is required when tracing is enabled")
	}
	switch cfg.Tracing.Sampler {
	case "always", "never", "ratio":
	default:
		errs.add("telemetry.tracing.sampler", "invalid sampler %q: must be 'always', 'never', or 'ratio'", cfg.Tracing.Sampler)
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs.add("telemetry.tracing.sample_ratio", "sample ratio must be between 0.0 and 1.0")
	}

	if !strings.HasPrefix(cfg.Health.LivenessPath, "/") {
		errs.add("telemetry.health.liveness_path", "liveness path must start with /")
	}
	if !strings.HasPrefix(cfg.Health.ReadinessPath, "/") {
		errs.add("telemetry.health.readiness_path", "readiness path must start with /")
	}
	if cfg.Health.CheckTimeout < 0 || cfg.Health.CheckTimeout > 60*time.Second {
		errs.add("telemetry.health.check_timeout", "check timeout must be between 0 and 60s")
	}
}
