package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mercator-hq/tokengate/pkg/database"
	"mercator-hq/tokengate/pkg/outbox/bus"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "outbox.db"),
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

// fakeBus records messages and fails the sends listed in failAt (1-based
// call numbers).
type fakeBus struct {
	mu       sync.Mutex
	calls    int
	failAt   map[int]bool
	messages []bus.Message
}

func (b *fakeBus) Name() string                 { return "fake" }
func (b *fakeBus) Health(context.Context) error { return nil }
func (b *fakeBus) Close() error                 { return nil }

func (b *fakeBus) Publish(_ context.Context, msg bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	if b.failAt[b.calls] {
		return errors.New("broker unavailable")
	}
	b.messages = append(b.messages, msg)
	return nil
}

func appendEntries(t *testing.T, db *database.DB, entries ...Entry) {
	t.Helper()
	for _, e := range entries {
		if err := Append(context.Background(), db, e); err != nil {
			t.Fatalf("failed to append %s: %v", e.EventType, err)
		}
	}
}

func mustEntry(t *testing.T, aggregateID, eventType string, at time.Time) Entry {
	t.Helper()
	e, err := NewEntry("TokenPurchaseSaga", aggregateID, eventType, map[string]string{"event": eventType}, at)
	if err != nil {
		t.Fatalf("failed to build entry: %v", err)
	}
	return e
}

func TestNewEntry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, err := NewEntry("TokenUsage", "", "TOKEN_USAGE", struct {
		Tokens int64 `json:"tokens"`
	}{Tokens: 25}, now)
	if err != nil {
		t.Fatalf("NewEntry failed: %v", err)
	}

	if e.ID == "" || e.PublishedAt != nil {
		t.Errorf("unexpected entry %+v", e)
	}
	if string(e.Payload) != `{"tokens":25}` {
		t.Errorf("unexpected payload %s", e.Payload)
	}
	if !e.CreatedAt.Equal(now) {
		t.Errorf("expected created at %v, got %v", now, e.CreatedAt)
	}

	if _, err := NewEntry("A", "", "E", make(chan int), now); err == nil {
		t.Error("expected error for unserializable payload")
	}
}

func TestAppend_RollsBackWithTransaction(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewSQLStore(db)

	boom := errors.New("boom")
	err := db.InTx(ctx, func(tx *database.Tx) error {
		if err := Append(ctx, tx, mustEntry(t, "saga-1", "TOKEN_PURCHASE_STARTED", time.Now())); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	pending, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected no entries after rollback, got %d", pending)
	}
}

func TestSQLStore_FetchUnpublishedOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewSQLStore(db)

	base := time.Now().Add(-time.Minute)
	appendEntries(t, db,
		mustEntry(t, "saga-1", "THIRD", base.Add(2*time.Second)),
		mustEntry(t, "saga-1", "FIRST", base),
		mustEntry(t, "", "SECOND", base.Add(time.Second)),
	)

	entries, err := store.FetchUnpublished(ctx, 10)
	if err != nil {
		t.Fatalf("FetchUnpublished failed: %v", err)
	}

	want := []string{"FIRST", "SECOND", "THIRD"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, e := range entries {
		if e.EventType != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], e.EventType)
		}
	}
	if entries[1].AggregateID != "" {
		t.Errorf("expected null aggregate id, got %q", entries[1].AggregateID)
	}

	limited, err := store.FetchUnpublished(ctx, 2)
	if err != nil {
		t.Fatalf("FetchUnpublished failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit of 2, got %d", len(limited))
	}
}

func TestSQLStore_MarkPublishedIsImmutable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewSQLStore(db)

	e := mustEntry(t, "saga-1", "TOKEN_ALLOCATED", time.Now())
	appendEntries(t, db, e)

	first := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	ok, err := store.MarkPublished(ctx, e.ID, first)
	if err != nil || !ok {
		t.Fatalf("expected first mark to succeed, got %v %v", ok, err)
	}

	ok, err = store.MarkPublished(ctx, e.ID, time.Now())
	if err != nil {
		t.Fatalf("MarkPublished failed: %v", err)
	}
	if ok {
		t.Error("expected second mark to be ignored")
	}

	entries, err := store.ListByAggregate(ctx, "saga-1")
	if err != nil {
		t.Fatalf("ListByAggregate failed: %v", err)
	}
	if entries[0].PublishedAt == nil || !entries[0].PublishedAt.Equal(first) {
		t.Errorf("expected published at %v, got %v", first, entries[0].PublishedAt)
	}
}

func TestPublisher_PublishBatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewSQLStore(db)

	now := time.Now()
	started := mustEntry(t, "saga-1", "TOKEN_PURCHASE_STARTED", now)
	usage := mustEntry(t, "", "TOKEN_USAGE", now.Add(time.Millisecond))
	appendEntries(t, db, started, usage)

	b := &fakeBus{}
	p := NewPublisher(store, b, PublisherConfig{Topic: "token-usage"})

	n, err := p.PublishBatch(ctx)
	if err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 published, got %d", n)
	}

	msg := b.messages[0]
	if msg.Topic != "token-usage" || msg.Key != started.ID || msg.OrderingKey != "saga-1" {
		t.Errorf("unexpected message routing %+v", msg)
	}
	if msg.Headers[bus.HeaderEventType] != "TOKEN_PURCHASE_STARTED" ||
		msg.Headers[bus.HeaderAggregateType] != "TokenPurchaseSaga" ||
		msg.Headers[bus.HeaderAggregateID] != "saga-1" {
		t.Errorf("unexpected headers %v", msg.Headers)
	}
	var body map[string]string
	if err := json.Unmarshal(msg.Body, &body); err != nil || body["event"] != "TOKEN_PURCHASE_STARTED" {
		t.Errorf("unexpected body %s", msg.Body)
	}
	if _, ok := b.messages[1].Headers[bus.HeaderAggregateID]; ok {
		t.Error("expected no aggregate id header for usage event")
	}

	pending, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected nothing pending, got %d", pending)
	}

	n, err = p.PublishBatch(ctx)
	if err != nil || n != 0 {
		t.Errorf("expected empty second batch, got %d %v", n, err)
	}
}

func TestPublisher_FirstSendFailsStopsBatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewSQLStore(db)

	now := time.Now()
	appendEntries(t, db,
		mustEntry(t, "saga-1", "TOKEN_PURCHASE_STARTED", now),
		mustEntry(t, "saga-1", "TOKEN_PAYMENT_RESERVED", now.Add(time.Millisecond)),
	)

	b := &fakeBus{failAt: map[int]bool{1: true}}
	p := NewPublisher(store, b, PublisherConfig{})

	n, err := p.PublishBatch(ctx)
	if err == nil {
		t.Fatal("expected publish error")
	}
	if n != 0 {
		t.Errorf("expected 0 published, got %d", n)
	}
	if b.calls != 1 {
		t.Errorf("expected batch to stop after first failure, got %d sends", b.calls)
	}

	entries, err := store.ListByAggregate(ctx, "saga-1")
	if err != nil {
		t.Fatalf("ListByAggregate failed: %v", err)
	}
	for _, e := range entries {
		if e.PublishedAt != nil {
			t.Errorf("expected %s to stay unpublished", e.EventType)
		}
	}

	// The next tick retries from the same entry.
	n, err = p.PublishBatch(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected retry to publish 2, got %d %v", n, err)
	}
	if b.messages[0].Headers[bus.HeaderEventType] != "TOKEN_PURCHASE_STARTED" {
		t.Errorf("expected retry to start from the first entry, got %s", b.messages[0].Headers[bus.HeaderEventType])
	}
}

func TestPublisher_MidBatchFailureKeepsEarlierEntries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewSQLStore(db)

	now := time.Now()
	appendEntries(t, db,
		mustEntry(t, "saga-1", "ONE", now),
		mustEntry(t, "saga-1", "TWO", now.Add(time.Millisecond)),
		mustEntry(t, "saga-1", "THREE", now.Add(2*time.Millisecond)),
	)

	p := NewPublisher(store, &fakeBus{failAt: map[int]bool{2: true}}, PublisherConfig{})
	n, err := p.PublishBatch(ctx)
	if err == nil || n != 1 {
		t.Fatalf("expected 1 published then error, got %d %v", n, err)
	}

	pending, err := store.FetchUnpublished(ctx, 10)
	if err != nil {
		t.Fatalf("FetchUnpublished failed: %v", err)
	}
	if len(pending) != 2 || pending[0].EventType != "TWO" {
		t.Errorf("expected TWO and THREE pending, got %+v", pending)
	}
}

func TestPublisher_BatchSize(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 5; i++ {
		appendEntries(t, db, mustEntry(t, "", "TOKEN_USAGE", now.Add(time.Duration(i)*time.Millisecond)))
	}

	p := NewPublisher(NewSQLStore(db), &fakeBus{}, PublisherConfig{BatchSize: 3})
	n, err := p.PublishBatch(ctx)
	if err != nil || n != 3 {
		t.Errorf("expected 3 published, got %d %v", n, err)
	}
}

func TestPublisher_RunStopsOnCancel(t *testing.T) {
	db := newTestDB(t)
	appendEntries(t, db, mustEntry(t, "", "TOKEN_USAGE", time.Now()))

	b := &fakeBus{}
	p := NewPublisher(NewSQLStore(db), b, PublisherConfig{PollInterval: 10 * time.Millisecond, MaxPublishRate: 100})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		b.mu.Lock()
		sent := len(b.messages)
		b.mu.Unlock()
		if sent == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for publish")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
