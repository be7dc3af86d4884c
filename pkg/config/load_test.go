package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_address: "0.0.0.0:9090"
  read_timeout: "60s"

database:
  driver: "sqlite"
  dsn: "./test.db"

bucket:
  strategy: "token_bucket"
  capacity: 5
  leak_rate_per_second: 1
  providers:
    anthropic:
      capacity: 50

tiers:
  levels:
    USER:
      priority: 0
    PRO:
      priority: 10
      capacity_multiplier: 2
      quota_max_tokens: 500

telemetry:
  logging:
    level: "debug"
    format: "text"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.ListenAddress != "0.0.0.0:9090" {
		t.Errorf("expected listen address %q, got %q", "0.0.0.0:9090", cfg.Server.ListenAddress)
	}
	if cfg.Server.ReadTimeout != 60*time.Second {
		t.Errorf("expected read timeout %v, got %v", 60*time.Second, cfg.Server.ReadTimeout)
	}
	if cfg.Bucket.Capacity != 5 {
		t.Errorf("expected capacity 5, got %d", cfg.Bucket.Capacity)
	}
	if cfg.Bucket.Providers["anthropic"].Capacity != 50 {
		t.Errorf("expected anthropic override capacity 50, got %d", cfg.Bucket.Providers["anthropic"].Capacity)
	}

	pro := cfg.Tiers.Levels["PRO"]
	if pro.CapacityMultiplier != 2 {
		t.Errorf("expected PRO capacity multiplier 2, got %v", pro.CapacityMultiplier)
	}
	if pro.RateMultiplier != DefaultTierMultiplier {
		t.Errorf("expected PRO rate multiplier default, got %v", pro.RateMultiplier)
	}
	if pro.QuotaMaxTokens == nil || *pro.QuotaMaxTokens != 500 {
		t.Errorf("expected PRO quota max tokens 500, got %v", pro.QuotaMaxTokens)
	}
	if cfg.Tiers.Levels["USER"].QuotaMaxTokens != nil {
		t.Error("expected USER to have no quota cap")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"bucket.strategy", cfg.Bucket.Strategy, DefaultBucketStrategy},
		{"bucket.capacity", cfg.Bucket.Capacity, DefaultBucketCapacity},
		{"bucket.leak_rate_per_second", cfg.Bucket.LeakRatePerSecond, DefaultBucketLeakRate},
		{"bucket.window_seconds", cfg.Bucket.WindowSeconds, DefaultBucketWindowSeconds},
		{"bucket.entry_ttl", cfg.Bucket.EntryTTL, DefaultBucketEntryTTL},
		{"bucket.cleanup_interval", cfg.Bucket.CleanupInterval, DefaultBucketCleanupInterval},
		{"quota.window", cfg.Quota.Window, DefaultQuotaWindow},
		{"tiers.default", cfg.Tiers.Default, DefaultTier},
		{"saga.recovery.stale_after", cfg.Saga.Recovery.StaleAfter, DefaultRecoveryStaleAfter},
		{"saga.recovery.interval", cfg.Saga.Recovery.Interval, DefaultRecoveryInterval},
		{"outbox.batch_size", cfg.Outbox.BatchSize, DefaultOutboxBatchSize},
		{"outbox.poll_interval", cfg.Outbox.PollInterval, DefaultOutboxPollInterval},
		{"outbox.topic", cfg.Outbox.Topic, DefaultOutboxTopic},
		{"bus.type", cfg.Bus.Type, DefaultBusType},
		{"features.quota_enforcement", Bool(cfg.Features.QuotaEnforcement, false), true},
		{"features.saga_purchases", Bool(cfg.Features.SagaPurchases, false), true},
		{"saga.recovery.enabled", Bool(cfg.Saga.Recovery.Enabled, false), true},
		{"bucket.usage_events", Bool(cfg.Bucket.UsageEvents, false), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}

func TestLoadConfig_ExplicitFalseFlagsSurviveDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
features:
  quota_enforcement: false
  saga_purchases: false
saga:
  recovery:
    enabled: false
`))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if Bool(cfg.Features.QuotaEnforcement, true) {
		t.Error("expected quota enforcement to stay disabled")
	}
	if Bool(cfg.Features.SagaPurchases, true) {
		t.Error("expected saga purchases to stay disabled")
	}
	if Bool(cfg.Saga.Recovery.Enabled, true) {
		t.Error("expected recovery to stay disabled")
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "server: [unclosed"))
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
	if !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestLoadConfig_ValidationFailure(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
bucket:
  strategy: "SLIDING_LOG"
  capacity: -1
bus:
  type: "kafka"
`))
	if err == nil {
		t.Fatal("expected validation error")
	}

	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}

	fields := map[string]bool{}
	for _, fe := range verr.Errors {
		fields[fe.Field] = true
	}
	for _, want := range []string{"bucket.strategy", "bucket.capacity", "bus.kafka.brokers"} {
		if !fields[want] {
			t.Errorf("expected field error for %s, got %v", want, verr.Errors)
		}
	}
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_address: "127.0.0.1:8080"
bucket:
  capacity: 100
`)

	t.Setenv("TOKENGATE_SERVER_LISTEN_ADDRESS", "0.0.0.0:7000")
	t.Setenv("TOKENGATE_BUCKET_CAPACITY", "250")
	t.Setenv("TOKENGATE_BUCKET_STRATEGY", "FIXED_WINDOW")
	t.Setenv("TOKENGATE_QUOTA_WINDOW", "1h")
	t.Setenv("TOKENGATE_FEATURES_SAGA_PURCHASES", "false")
	t.Setenv("TOKENGATE_SAGA_SIMULATE_FAILURE", "true")
	t.Setenv("TOKENGATE_OUTBOX_BATCH_SIZE", "not-a-number")

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.ListenAddress != "0.0.0.0:7000" {
		t.Errorf("expected listen address override, got %q", cfg.Server.ListenAddress)
	}
	if cfg.Bucket.Capacity != 250 {
		t.Errorf("expected capacity 250, got %d", cfg.Bucket.Capacity)
	}
	if cfg.Bucket.Strategy != "FIXED_WINDOW" {
		t.Errorf("expected FIXED_WINDOW, got %q", cfg.Bucket.Strategy)
	}
	if cfg.Quota.Window != time.Hour {
		t.Errorf("expected quota window 1h, got %v", cfg.Quota.Window)
	}
	if Bool(cfg.Features.SagaPurchases, true) {
		t.Error("expected saga purchases disabled by env")
	}
	if !cfg.Saga.SimulateFailure {
		t.Error("expected simulate failure enabled by env")
	}
	if cfg.Outbox.BatchSize != DefaultOutboxBatchSize {
		t.Errorf("expected invalid env value to be ignored, got %d", cfg.Outbox.BatchSize)
	}
}

func TestLoadConfigWithEnvOverrides_NoFile(t *testing.T) {
	t.Setenv("TOKENGATE_DATABASE_DSN", "/tmp/override.db")

	cfg, err := LoadConfigWithEnvOverrides("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Database.DSN != "/tmp/override.db" {
		t.Errorf("expected dsn override, got %q", cfg.Database.DSN)
	}
}

func TestApplyDefaults_Idempotent(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	first := *cfg
	ApplyDefaults(cfg)

	if cfg.Server != first.Server || cfg.Database != first.Database || cfg.Quota != first.Quota {
		t.Error("expected ApplyDefaults to be idempotent")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Driver: "postgres"}}
	ApplyDefaults(cfg)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
	if !strings.Contains(err.Error(), "database.dsn") {
		t.Errorf("expected database.dsn error, got %v", err)
	}
}

func TestValidationError_Format(t *testing.T) {
	single := ValidationError{Errors: []FieldError{{Field: "a", Message: "bad"}}}
	if single.Error() != "configuration validation failed: a: bad" {
		t.Errorf("unexpected single error format: %q", single.Error())
	}

	multi := ValidationError{Errors: []FieldError{{Field: "a", Message: "bad"}, {Field: "b", Message: "worse"}}}
	if !strings.Contains(multi.Error(), "2 errors") {
		t.Errorf("unexpected multi error format: %q", multi.Error())
	}
}

func TestValidate_TLS(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.MinVersion = "1.1"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected TLS validation errors")
	}
	for _, field := range []string{"server.tls.cert_file", "server.tls.key_file", "server.tls.min_version"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("expected %s error, got %v", field, err)
		}
	}

	cfg.Server.TLS = TLSConfig{Enabled: true, CertFile: "tls.crt", KeyFile: "tls.key", MinVersion: "1.2"}
	if err := Validate(cfg); err != nil {
		t.Errorf("expected valid TLS config, got %v", err)
	}
}
