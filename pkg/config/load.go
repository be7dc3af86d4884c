package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOKENGATE_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML and applies defaults without validating.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention TOKENGATE_SECTION_FIELD (e.g., TOKENGATE_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// An empty path skips the file and starts from defaults.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Resolve ${secret:name} references
// 5. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = &Config{}
		ApplyDefaults(cfg)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := ResolveSecrets(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Unparseable values are ignored and the file value is kept.
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	envString("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envString("SERVER_ROLES_HEADER", &cfg.Server.RolesHeader)
	envString("SERVER_TLS_CERT_FILE", &cfg.Server.TLS.CertFile)
	envString("SERVER_TLS_KEY_FILE", &cfg.Server.TLS.KeyFile)

	envString("SECRETS_DIR", &cfg.Secrets.Dir)

	// Database overrides
	envString("DATABASE_DRIVER", &cfg.Database.Driver)
	envString("DATABASE_DSN", &cfg.Database.DSN)
	envInt("DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	envInt("DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)
	envDuration("DATABASE_BUSY_TIMEOUT", &cfg.Database.BusyTimeout)

	// Redis overrides
	envString("REDIS_ADDRESS", &cfg.Redis.Address)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)

	// Bucket overrides
	envString("BUCKET_STRATEGY", &cfg.Bucket.Strategy)
	envInt64("BUCKET_CAPACITY", &cfg.Bucket.Capacity)
	envFloat("BUCKET_LEAK_RATE_PER_SECOND", &cfg.Bucket.LeakRatePerSecond)
	envInt64("BUCKET_WINDOW_SECONDS", &cfg.Bucket.WindowSeconds)
	envString("BUCKET_STORE", &cfg.Bucket.Store)
	envDuration("BUCKET_ENTRY_TTL", &cfg.Bucket.EntryTTL)
	envDuration("BUCKET_CLEANUP_INTERVAL", &cfg.Bucket.CleanupInterval)
	envBool("BUCKET_USAGE_EVENTS", &cfg.Bucket.UsageEvents)

	// Quota overrides
	envDuration("QUOTA_WINDOW", &cfg.Quota.Window)

	// Feature overrides
	envBool("FEATURES_QUOTA_ENFORCEMENT", &cfg.Features.QuotaEnforcement)
	envBool("FEATURES_SAGA_PURCHASES", &cfg.Features.SagaPurchases)

	// Saga overrides
	if val := os.Getenv(EnvPrefix + "SAGA_SIMULATE_FAILURE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Saga.SimulateFailure = b
		}
	}
	envBool("SAGA_RECOVERY_ENABLED", &cfg.Saga.Recovery.Enabled)
	envDuration("SAGA_RECOVERY_STALE_AFTER", &cfg.Saga.Recovery.StaleAfter)
	envDuration("SAGA_RECOVERY_INTERVAL", &cfg.Saga.Recovery.Interval)

	// Outbox overrides
	envBool("OUTBOX_ENABLED", &cfg.Outbox.Enabled)
	envInt("OUTBOX_BATCH_SIZE", &cfg.Outbox.BatchSize)
	envDuration("OUTBOX_POLL_INTERVAL", &cfg.Outbox.PollInterval)
	envString("OUTBOX_TOPIC", &cfg.Outbox.Topic)
	envFloat("OUTBOX_MAX_PUBLISH_RATE", &cfg.Outbox.MaxPublishRate)

	// Bus overrides
	envString("BUS_TYPE", &cfg.Bus.Type)
	envString("BUS_KAFKA_BROKERS", &cfg.Bus.Kafka.Brokers)
	envString("BUS_AMQP_URL", &cfg.Bus.AMQP.URL)
	envString("BUS_AMQP_EXCHANGE", &cfg.Bus.AMQP.Exchange)
	envString("BUS_SQS_REGION", &cfg.Bus.SQS.Region)
	envString("BUS_SQS_QUEUE_URL", &cfg.Bus.SQS.QueueURL)
	envString("BUS_SQS_ENDPOINT", &cfg.Bus.SQS.Endpoint)
	envString("BUS_SQS_ACCESS_KEY_ID", &cfg.Bus.SQS.AccessKeyID)
	envString("BUS_SQS_SECRET_ACCESS_KEY", &cfg.Bus.SQS.SecretAccessKey)
	envString("BUS_PUBSUB_PROJECT_ID", &cfg.Bus.PubSub.ProjectID)
	envString("BUS_SNS_REGION", &cfg.Bus.SNS.Region)
	envString("BUS_SNS_TOPIC_ARN", &cfg.Bus.SNS.TopicARN)
	envString("BUS_SNS_ENDPOINT", &cfg.Bus.SNS.Endpoint)
	envString("BUS_SNS_ACCESS_KEY_ID", &cfg.Bus.SNS.AccessKeyID)
	envString("BUS_SNS_SECRET_ACCESS_KEY", &cfg.Bus.SNS.SecretAccessKey)
	envString("BUS_PUBSUB_PROJECT_ID", &cfg.Bus.PubSub.ProjectID)
	envString("BUS_PUBSUB_CREDENTIALS_FILE", &cfg.Bus.PubSub.CredentialsFile)
	envString("BUS_PUBSUB_ENDPOINT", &cfg.Bus.PubSub.Endpoint)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Tracing.Enabled = b
		}
	}
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	envFloat("TELEMETRY_TRACING_SAMPLE_RATIO", &cfg.Telemetry.Tracing.SampleRatio)
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envInt64(name string, dst *int64) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			*dst = i
		}
	}
}

func envFloat(name string, dst *float64) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst **bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = boolPtr(b)
		}
	}
}
