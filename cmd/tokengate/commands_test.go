package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mercator-hq/tokengate/pkg/cli"
	"mercator-hq/tokengate/pkg/config"
	"mercator-hq/tokengate/pkg/limits/quota"
	"mercator-hq/tokengate/pkg/limits/tier"
	"mercator-hq/tokengate/pkg/saga"
)

const testUser = "3d9f5a1c-7b2e-4f60-9c18-4e5a6b7c8d90"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "tokengate.db")},
		Tiers: config.TiersConfig{
			Default: "USER",
			Levels: map[string]config.TierConfig{
				"USER": {CapacityMultiplier: 1, RateMultiplier: 1},
			},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadEnvFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.env")

	if err := loadEnvFile(missing, false); err != nil {
		t.Errorf("expected missing default env file to be ignored, got %v", err)
	}

	err := loadEnvFile(missing, true)
	if err == nil {
		t.Fatal("expected error for missing explicit env file")
	}
	if cli.ExitCode(err) != cli.ExitConfig {
		t.Errorf("expected config exit code, got %d", cli.ExitCode(err))
	}

	path := writeFile(t, "test.env", "TOKENGATE_TEST_ENV_FILE=loaded\n")
	t.Setenv("TOKENGATE_TEST_ENV_FILE", "")
	os.Unsetenv("TOKENGATE_TEST_ENV_FILE")
	if err := loadEnvFile(path, true); err != nil {
		t.Fatalf("loadEnvFile failed: %v", err)
	}
	if got := os.Getenv("TOKENGATE_TEST_ENV_FILE"); got != "loaded" {
		t.Errorf("expected variable from env file, got %q", got)
	}
}

func TestValidateConfig(t *testing.T) {
	origFile, origFormat := cfgFile, validateFlags.format
	defer func() { cfgFile, validateFlags.format = origFile, origFormat }()

	t.Run("valid", func(t *testing.T) {
		cfgFile = writeFile(t, "config.yaml", "bucket:\n  capacity: 50\n  store: sql\n")
		validateFlags.format = "csv"

		buf := &bytes.Buffer{}
		validateCmd.SetOut(buf)
		if err := validateConfig(validateCmd, nil); err != nil {
			t.Fatalf("validateConfig failed: %v", err)
		}
		output := buf.String()
		if !strings.Contains(output, "bucket.capacity,50") || !strings.Contains(output, "bucket.store,sql") {
			t.Errorf("unexpected output %q", output)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		cfgFile = writeFile(t, "config.yaml", "bucket:\n  capacity: -5\n")
		validateFlags.format = "text"

		err := validateConfig(validateCmd, nil)
		if err == nil {
			t.Fatal("expected validation error")
		}
		if !strings.Contains(err.Error(), "bucket.capacity") {
			t.Errorf("expected field in error, got %v", err)
		}
		if cli.ExitCode(err) != cli.ExitConfig {
			t.Errorf("expected config exit code, got %d", cli.ExitCode(err))
		}
	})

	t.Run("bad format", func(t *testing.T) {
		validateFlags.format = "xml"
		if err := validateConfig(validateCmd, nil); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}

func TestNeedsRedis(t *testing.T) {
	cfg := testConfig(t)
	if needsRedis(cfg) {
		t.Error("expected defaults not to need redis")
	}

	cfg.Bucket.Store = "redis"
	if !needsRedis(cfg) {
		t.Error("expected redis bucket store to need redis")
	}

	cfg.Bucket.Store = "memory"
	cfg.Bus.Type = "redis"
	if !needsRedis(cfg) {
		t.Error("expected redis bus to need redis")
	}
}

func TestNewApp(t *testing.T) {
	ctx := context.Background()
	store := config.NewStoreFromConfig(testConfig(t))

	a, err := newApp(ctx, store, discardLogger())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close()

	owner := quota.UserOwner(testUser)
	if _, err := a.quotas.AddTokens(ctx, owner, "openai", 100, tier.Identity); err != nil {
		t.Fatalf("AddTokens failed: %v", err)
	}
	pool, err := a.quotas.GetQuota(ctx, owner, "openai", tier.Identity)
	if err != nil {
		t.Fatalf("GetQuota failed: %v", err)
	}

	buf := &bytes.Buffer{}
	if err := cli.NewFormatter(cli.FormatCSV).FormatTo(buf, poolTable(pool)); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	if !strings.Contains(buf.String(), "user:"+testUser+",openai,100,100") {
		t.Errorf("unexpected pool table %q", buf.String())
	}

	if !a.quotaEnforced() {
		t.Error("expected quota enforcement by default")
	}
}

func TestNewApp_ClosesOnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bucket.Store = "etcd"

	if _, err := newApp(context.Background(), config.NewStoreFromConfig(cfg), discardLogger()); err == nil {
		t.Fatal("expected error for unknown bucket store")
	}
}

func TestApp_ApplyReload(t *testing.T) {
	store := config.NewStoreFromConfig(testConfig(t))
	a, err := newApp(context.Background(), store, discardLogger())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close()

	reloaded := testConfig(t)
	reloaded.Tiers.Levels["PRO"] = config.TierConfig{Priority: 10, CapacityMultiplier: 4, RateMultiplier: 2}
	reloaded.Bucket.Capacity = 40
	a.applyReload(reloaded)

	pro, ok := a.tiers.Lookup("ROLE_PRO")
	if !ok {
		t.Fatal("expected PRO tier after reload")
	}
	if got := a.buckets.ConfigFor("openai", pro).Capacity; got != 160 {
		t.Errorf("expected scaled capacity 160, got %d", got)
	}

	bad := testConfig(t)
	bad.Bucket.Strategy = "SLIDING_LOG"
	a.applyReload(bad)
	if got := a.buckets.ConfigFor("openai", tier.Identity).Capacity; got != 40 {
		t.Errorf("expected rejected reload to keep capacity 40, got %d", got)
	}
}

func TestReportTable(t *testing.T) {
	table := reportTable(saga.Report{Completed: 2, Failed: 1, Errors: 3})

	buf := &bytes.Buffer{}
	if err := cli.NewFormatter(cli.FormatCSV).FormatTo(buf, table); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	want := "outcome,count\ncompleted,2\nfailed,1\nskipped,0\nerror,3\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestRecoverySweepThroughApp(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, config.NewStoreFromConfig(testConfig(t)), discardLogger())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close()

	if _, err := a.sagas.Start(ctx, saga.Request{OwnerID: testUser, Provider: "openai", Tokens: 10}, tier.Identity, "k-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	report, err := a.recovery.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if report != (saga.Report{}) {
		t.Errorf("expected nothing to recover right after a completed purchase, got %+v", report)
	}

	pending, err := a.outbox.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending == 0 {
		t.Error("expected saga events in the outbox")
	}
}
