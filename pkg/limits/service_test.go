package limits

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mercator-hq/tokengate/pkg/config"
	"mercator-hq/tokengate/pkg/database"
	"mercator-hq/tokengate/pkg/limits/ratelimit"
	"mercator-hq/tokengate/pkg/limits/storage"
	"mercator-hq/tokengate/pkg/limits/tier"
	"mercator-hq/tokengate/pkg/outbox"
)

var testTime = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func boolPtr(b bool) *bool { return &b }

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "limits.db"),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func testBucketConfig() config.BucketConfig {
	return config.BucketConfig{
		Strategy:          "LEAKY_BUCKET",
		Capacity:          100,
		LeakRatePerSecond: 10,
		WindowSeconds:     60,
		UsageEvents:       boolPtr(false),
		EntryTTL:          time.Hour,
		Providers: map[string]config.BucketOverride{
			"Gemini": {Strategy: "FIXED_WINDOW", Capacity: 2, WindowSeconds: 10},
			"qwen":   {Strategy: "TOKEN_BUCKET", LeakRatePerSecond: 1},
		},
	}
}

func newTestService(t *testing.T, cfg config.BucketConfig, db *database.DB) (*BucketService, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: testTime}
	svc, err := NewBucketService(storage.NewMemoryStore(), BucketServiceConfig{
		Bucket: cfg,
		DB:     db,
		Clock:  clock.Now,
	})
	if err != nil {
		t.Fatalf("NewBucketService failed: %v", err)
	}
	return svc, clock
}

func TestNewBucketService_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.BucketConfig
	}{
		{"unknown strategy", config.BucketConfig{Strategy: "SLIDING_LOG", Capacity: 10}},
		{"zero capacity", config.BucketConfig{Strategy: "LEAKY_BUCKET"}},
		{"bad override", config.BucketConfig{Capacity: 10, Providers: map[string]config.BucketOverride{"x": {Strategy: "nope"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBucketService(storage.NewMemoryStore(), BucketServiceConfig{Bucket: tt.cfg})
			if err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := NewBucketService(nil, BucketServiceConfig{Bucket: testBucketConfig()}); err == nil {
		t.Error("expected error for nil store")
	}
}

func TestBucketService_ConfigFor(t *testing.T) {
	svc, _ := newTestService(t, testBucketConfig(), nil)

	base := svc.ConfigFor("openai", tier.Identity)
	if base.Strategy != ratelimit.StrategyLeakyBucket || base.Capacity != 100 || base.Rate != 10 {
		t.Errorf("unexpected base config %+v", base)
	}

	gemini := svc.ConfigFor("gemini", tier.Identity)
	if gemini.Strategy != ratelimit.StrategyFixedWindow || gemini.Capacity != 2 || gemini.WindowSeconds != 10 {
		t.Errorf("unexpected gemini override %+v", gemini)
	}

	qwen := svc.ConfigFor("QWEN", tier.Identity)
	if qwen.Strategy != ratelimit.StrategyTokenBucket || qwen.Capacity != 100 || qwen.Rate != 1 {
		t.Errorf("expected qwen to inherit capacity, got %+v", qwen)
	}

	pro := svc.ConfigFor("openai", tier.Tier{Name: "PRO", CapacityMultiplier: 5, RateMultiplier: 2})
	if pro.Capacity != 500 || pro.Rate != 20 {
		t.Errorf("expected scaled config, got %+v", pro)
	}
}

func TestBucketService_Consume(t *testing.T) {
	svc, clock := newTestService(t, testBucketConfig(), nil)
	ctx := context.Background()

	r, err := svc.Consume(ctx, "user-1", "openai", 100, tier.Identity)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if !r.Allowed || r.Used != 100 || r.Remaining != 0 {
		t.Errorf("expected full bucket, got %+v", r)
	}

	r, err = svc.Consume(ctx, "user-1", "openai", 20, tier.Identity)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if r.Allowed || r.WaitSeconds != 2 {
		t.Errorf("expected denial with 2s wait, got %+v", r)
	}

	// Another subject has its own bucket.
	if r, _ := svc.Consume(ctx, "user-2", "openai", 50, tier.Identity); !r.Allowed {
		t.Error("expected independent bucket for user-2")
	}

	clock.Advance(2 * time.Second)
	if r, _ := svc.Consume(ctx, "user-1", "openai", 20, tier.Identity); !r.Allowed {
		t.Errorf("expected consume after leak, got %+v", r)
	}
}

func TestBucketService_FixedWindowOverride(t *testing.T) {
	svc, clock := newTestService(t, testBucketConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if r, _ := svc.Consume(ctx, "user-1", "gemini", 1, tier.Identity); !r.Allowed {
			t.Fatalf("consume %d: expected allowed", i)
		}
	}

	r, err := svc.Consume(ctx, "user-1", "gemini", 1, tier.Identity)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if r.Allowed || r.WaitSeconds <= 0 {
		t.Errorf("expected denial with wait, got %+v", r)
	}

	clock.Advance(10 * time.Second)
	if r, _ := svc.Consume(ctx, "user-1", "gemini", 1, tier.Identity); !r.Allowed {
		t.Error("expected new window to allow")
	}
}

func TestBucketService_ConsumeRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t, testBucketConfig(), nil)
	ctx := context.Background()

	if _, err := svc.Consume(ctx, "", "openai", 1, tier.Identity); err == nil {
		t.Error("expected error for empty subject")
	}
	if _, err := svc.Consume(ctx, "user-1", "", 1, tier.Identity); err == nil {
		t.Error("expected error for empty provider")
	}
	if _, err := svc.Consume(ctx, "user-1", "openai", 0, tier.Identity); !errors.Is(err, ratelimit.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBucketService_Peek(t *testing.T) {
	svc, _ := newTestService(t, testBucketConfig(), nil)
	ctx := context.Background()

	r, err := svc.Peek(ctx, "user-1", "openai", tier.Identity)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if !r.Allowed || r.Remaining != 100 {
		t.Errorf("expected untouched bucket, got %+v", r)
	}

	if _, err := svc.Consume(ctx, "user-1", "openai", 30, tier.Identity); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	r, err = svc.Peek(ctx, "user-1", "openai", tier.Identity)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if r.Used != 30 || r.Remaining != 70 {
		t.Errorf("expected 30 used, got %+v", r)
	}

	again, _ := svc.Peek(ctx, "user-1", "openai", tier.Identity)
	if again.Used != r.Used {
		t.Error("expected Peek not to change the bucket")
	}
}

func TestBucketService_UsageEvents(t *testing.T) {
	db := newTestDB(t)
	cfg := testBucketConfig()
	cfg.UsageEvents = boolPtr(true)
	cfg.Capacity = 10

	svc, _ := newTestService(t, cfg, db)
	ctx := context.Background()

	if _, err := svc.Consume(ctx, "user-1", "openai", 10, tier.Identity); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if _, err := svc.Consume(ctx, "user-1", "openai", 5, tier.Identity); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	entries, err := outbox.NewSQLStore(db).FetchUnpublished(ctx, 10)
	if err != nil {
		t.Fatalf("FetchUnpublished failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 usage events, got %d", len(entries))
	}

	for i, wantAllowed := range []bool{true, false} {
		e := entries[i]
		if e.AggregateType != AggregateUsage || e.EventType != EventUsage || e.AggregateID != "" {
			t.Errorf("unexpected entry %+v", e)
		}
		var payload UsageEvent
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if payload.UserID != "user-1" || payload.Provider != "openai" || payload.Allowed != wantAllowed {
			t.Errorf("event %d: unexpected payload %+v", i, payload)
		}
	}
}

func TestBucketService_UsageEventCommitsWithSQLBucket(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	store, err := storage.NewSQLStore(ctx, db)
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	cfg := testBucketConfig()
	cfg.UsageEvents = boolPtr(true)
	clock := &fakeClock{now: testTime}
	svc, err := NewBucketService(store, BucketServiceConfig{Bucket: cfg, DB: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("NewBucketService failed: %v", err)
	}

	if _, err := svc.Consume(ctx, "user-1", "openai", 40, tier.Identity); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	pending, err := outbox.NewSQLStore(db).PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 usage event, got %d", pending)
	}

	// Without an outbox table the append fails and the bucket must not move.
	if _, err := db.ExecContext(ctx, "DROP TABLE outbox_events"); err != nil {
		t.Fatalf("failed to drop outbox table: %v", err)
	}
	if _, err := svc.Consume(ctx, "user-1", "openai", 30, tier.Identity); err == nil {
		t.Fatal("expected consume to fail when the usage event cannot be written")
	}

	r, err := svc.Peek(ctx, "user-1", "openai", tier.Identity)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if r.Used != 40 {
		t.Errorf("expected bucket to stay at 40, got %+v", r)
	}
}

func TestBucketService_UsageEventsDisabled(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, testBucketConfig(), db)
	ctx := context.Background()

	if _, err := svc.Consume(ctx, "user-1", "openai", 1, tier.Identity); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	pending, err := outbox.NewSQLStore(db).PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected no usage events, got %d", pending)
	}
}

func TestBucketService_UpdateConfig(t *testing.T) {
	svc, _ := newTestService(t, testBucketConfig(), nil)

	cfg := testBucketConfig()
	cfg.Capacity = 5
	cfg.Providers = nil
	if err := svc.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}

	if got := svc.ConfigFor("gemini", tier.Identity); got.Strategy != ratelimit.StrategyLeakyBucket || got.Capacity != 5 {
		t.Errorf("expected override removed, got %+v", got)
	}

	cfg.Strategy = "bogus"
	if err := svc.UpdateConfig(cfg); err == nil {
		t.Error("expected invalid config to be rejected")
	}
	if got := svc.ConfigFor("openai", tier.Identity); got.Capacity != 5 {
		t.Error("expected previous settings to stay after a rejected update")
	}
}

func TestBucketService_Cleanup(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: testTime}
	svc, err := NewBucketService(store, BucketServiceConfig{Bucket: testBucketConfig(), Clock: clock.Now})
	if err != nil {
		t.Fatalf("NewBucketService failed: %v", err)
	}
	ctx := context.Background()

	if _, err := svc.Consume(ctx, "idle", "openai", 1, tier.Identity); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := svc.Consume(ctx, "active", "openai", 1, tier.Identity); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	removed, err := svc.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 || store.Size() != 1 {
		t.Errorf("expected idle bucket evicted, removed=%d size=%d", removed, store.Size())
	}
}

func TestBucketService_ConcurrentConsumeNeverExceedsCapacity(t *testing.T) {
	svc, _ := newTestService(t, testBucketConfig(), nil)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.Consume(ctx, "user-1", "openai", 7, tier.Identity)
			if err != nil {
				t.Errorf("Consume failed: %v", err)
				return
			}
			if r.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// The clock is frozen, so no leak happens: 100/7 = 14 consumes fit.
	if allowed != 14 {
		t.Errorf("expected 14 allowed, got %d", allowed)
	}
}

func TestCleanupJob_StartStop(t *testing.T) {
	svc, _ := newTestService(t, testBucketConfig(), nil)

	disabled := NewCleanupJob(svc, 0, nil)
	if err := disabled.Start(context.Background()); err != nil || disabled.IsRunning() {
		t.Errorf("expected disabled job to stay stopped, err=%v", err)
	}

	job := NewCleanupJob(svc, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := job.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !job.IsRunning() {
		t.Fatal("expected job to be running")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for job.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if job.IsRunning() {
		t.Error("expected job to stop when context is cancelled")
	}
}
