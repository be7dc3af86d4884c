package saga

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"mercator-hq/tokengate/pkg/database"
	"mercator-hq/tokengate/pkg/limits/quota"
	"mercator-hq/tokengate/pkg/limits/tier"
	"mercator-hq/tokengate/pkg/outbox"
)

const (
	testUser = "6f1c2a6e-8d0b-4c57-9a43-2f3e1d0c9b7a"
	testOrg  = "0b8e6a52-3f7d-4e1c-8a90-5c4d3b2a1f0e"
)

var testTime = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

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

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "saga.db"),
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

type fixture struct {
	db     *database.DB
	quota  *quota.Service
	saga   *Service
	outbox *outbox.SQLStore
	clock  *fakeClock
}

func newFixture(t *testing.T, simulateFailure bool) *fixture {
	t.Helper()

	db := newTestDB(t)
	clock := &fakeClock{now: testTime}
	q := quota.NewService(db, quota.Config{Clock: clock.Now})
	svc := NewService(db, q, Config{
		SimulateFailure: func() bool { return simulateFailure },
		Clock:           clock.Now,
	})
	return &fixture{db: db, quota: q, saga: svc, outbox: outbox.NewSQLStore(db), clock: clock}
}

func (f *fixture) events(t *testing.T, sagaID string) []outbox.Entry {
	t.Helper()
	entries, err := f.outbox.ListByAggregate(context.Background(), sagaID)
	if err != nil {
		t.Fatalf("ListByAggregate failed: %v", err)
	}
	return entries
}

func eventTypes(entries []outbox.Entry) []string {
	types := make([]string, len(entries))
	for i, e := range entries {
		types[i] = e.EventType
	}
	return types
}

func countEvents(entries []outbox.Entry, eventType string) int {
	n := 0
	for _, e := range entries {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func TestNext(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusStarted, StatusPaymentReserved, true},
		{StatusPaymentReserved, StatusTokensAllocated, true},
		{StatusTokensAllocated, StatusCompleted, true},
		{StatusStarted, StatusFailed, true},
		{StatusPaymentReserved, StatusFailed, true},
		{StatusTokensAllocated, StatusFailed, true},
		{StatusStarted, StatusCompleted, false},
		{StatusStarted, StatusTokensAllocated, false},
		{StatusPaymentReserved, StatusStarted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusStarted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			got, err := Next(tt.from, tt.to)
			if tt.ok {
				if err != nil || got != tt.to {
					t.Errorf("expected %s, got %s (%v)", tt.to, got, err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
			if got != tt.from {
				t.Errorf("expected status to stay %s, got %s", tt.from, got)
			}
		})
	}
}

func TestStart_Success(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	owner := quota.UserOwner(testUser)

	if _, err := f.quota.AddTokens(ctx, owner, "openai", 100, tier.Identity); err != nil {
		t.Fatalf("AddTokens failed: %v", err)
	}

	result, err := f.saga.Start(ctx, Request{OwnerID: testUser, Provider: "openai", Tokens: 10}, tier.Identity, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.Status)
	}
	if !result.CreatedAt.Equal(testTime) {
		t.Errorf("expected created at %v, got %v", testTime, result.CreatedAt)
	}

	pool, err := f.quota.GetQuota(ctx, owner, "openai", tier.Identity)
	if err != nil {
		t.Fatalf("GetQuota failed: %v", err)
	}
	if pool.TotalTokens != 110 || pool.RemainingTokens != 110 {
		t.Errorf("expected pool to grow by 10, got total=%d remaining=%d", pool.TotalTokens, pool.RemainingTokens)
	}

	want := []string{EventPurchaseStarted, EventPaymentReserved, EventTokensAllocated, EventPurchaseCompleted}
	got := eventTypes(f.events(t, result.SagaID))
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected events %v, got %v", want, got)
	}

	stored, err := f.saga.Get(ctx, result.SagaID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != StatusCompleted || stored.Tokens != 10 || stored.OrgID != "" {
		t.Errorf("unexpected stored saga %+v", stored)
	}
}

func TestStart_OrgPurchaseCreditsOrgPool(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	result, err := f.saga.Start(ctx, Request{OwnerID: testUser, OrgID: testOrg, Provider: "openai", Tokens: 40}, tier.Identity, "")
	if err != nil || result.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %v %v", result.Status, err)
	}

	pool, err := f.quota.GetQuota(ctx, quota.OrgOwner(testOrg), "openai", tier.Identity)
	if err != nil {
		t.Fatalf("expected org pool: %v", err)
	}
	if pool.TotalTokens != 40 {
		t.Errorf("expected 40 tokens, got %d", pool.TotalTokens)
	}

	if _, err := f.quota.GetQuota(ctx, quota.UserOwner(testUser), "openai", tier.Identity); !errors.Is(err, quota.ErrNotFound) {
		t.Errorf("expected no user pool, got %v", err)
	}
}

func TestStart_SimulatedFailure(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	result, err := f.saga.Start(ctx, Request{OwnerID: testUser, Provider: "openai", Tokens: 10}, tier.Identity, "")
	if err != nil {
		t.Fatalf("expected failure as a status, got error %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}

	entries := f.events(t, result.SagaID)
	if n := countEvents(entries, EventPurchaseFailed); n != 1 {
		t.Errorf("expected 1 failure event, got %d", n)
	}
	if n := countEvents(entries, EventPaymentReleaseRequested); n != 1 {
		t.Errorf("expected 1 release event, got %d", n)
	}
	if n := countEvents(entries, EventPurchaseCompleted); n != 0 {
		t.Errorf("expected no completion event, got %d", n)
	}
	for _, e := range entries {
		if e.EventType == EventPaymentReleaseRequested && e.AggregateType != AggregateCompensation {
			t.Errorf("expected compensation aggregate, got %s", e.AggregateType)
		}
	}

	if _, err := f.quota.GetQuota(ctx, quota.UserOwner(testUser), "openai", tier.Identity); !errors.Is(err, quota.ErrNotFound) {
		t.Errorf("expected no pool after failed purchase, got %v", err)
	}

	stored, err := f.saga.Get(ctx, result.SagaID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.FailureReason == "" {
		t.Error("expected failure reason to be recorded")
	}
}

func TestStart_AllocationErrorFailsSaga(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.db.ExecContext(ctx, "DROP TABLE token_pools"); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	result, err := f.saga.Start(ctx, Request{OwnerID: testUser, Provider: "openai", Tokens: 10}, tier.Identity, "")
	if err != nil {
		t.Fatalf("expected failure as a status, got error %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}

	entries := f.events(t, result.SagaID)
	if countEvents(entries, EventTokensAllocated) != 0 {
		t.Error("expected allocation event to roll back with the failed credit")
	}
	if countEvents(entries, EventPaymentReleaseRequested) != 1 {
		t.Errorf("expected compensation event, got %v", eventTypes(entries))
	}
}

func TestStart_Idempotency(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	req := Request{OwnerID: testUser, Provider: "openai", Tokens: 10}

	first, err := f.saga.Start(ctx, req, tier.Identity, "  order-42 ")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.clock.Advance(time.Minute)
	second, err := f.saga.Start(ctx, req, tier.Identity, "order-42")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if second.SagaID != first.SagaID || second.Status != first.Status || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("expected replay of %+v, got %+v", first, second)
	}

	pool, err := f.quota.GetQuota(ctx, quota.UserOwner(testUser), "openai", tier.Identity)
	if err != nil {
		t.Fatalf("GetQuota failed: %v", err)
	}
	if pool.TotalTokens != 10 {
		t.Errorf("expected replay not to credit again, got %d", pool.TotalTokens)
	}

	changed := req
	changed.Tokens = 20
	_, err = f.saga.Start(ctx, changed, tier.Identity, "order-42")
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.SagaID != first.SagaID {
		t.Errorf("expected conflict naming %s, got %v", first.SagaID, err)
	}

	stored, err := f.saga.Get(ctx, first.SagaID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Tokens != 10 || stored.Status != StatusCompleted {
		t.Errorf("expected original saga untouched, got %+v", stored)
	}
}

// racingRepository lets a competing purchase commit between the key
// lookup in Start and its insert.
type racingRepository struct {
	*SQLRepository
	once    sync.Once
	compete func()
}

func (r *racingRepository) FindByIdempotencyKey(ctx context.Context, q database.Querier, key string) (*Saga, error) {
	lostRace := false
	r.once.Do(func() {
		r.compete()
		lostRace = true
	})
	if lostRace {
		return nil, ErrNotFound
	}
	return r.SQLRepository.FindByIdempotencyKey(ctx, q, key)
}

func TestStart_LostInsertRaceReplaysWinner(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	req := Request{OwnerID: testUser, Provider: "openai", Tokens: 10}

	var winner Result
	f.saga.repo = &racingRepository{
		SQLRepository: NewSQLRepository(),
		compete: func() {
			competitor := NewService(f.db, f.quota, Config{Clock: f.clock.Now})
			var err error
			winner, err = competitor.Start(ctx, req, tier.Identity, "race")
			if err != nil {
				t.Errorf("competing Start failed: %v", err)
			}
		},
	}

	got, err := f.saga.Start(ctx, req, tier.Identity, "race")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got.SagaID != winner.SagaID || got.Status != StatusCompleted {
		t.Errorf("expected winner %s COMPLETED, got %+v", winner.SagaID, got)
	}

	pool, err := f.quota.GetQuota(ctx, quota.UserOwner(testUser), "openai", tier.Identity)
	if err != nil {
		t.Fatalf("GetQuota failed: %v", err)
	}
	if pool.TotalTokens != 10 {
		t.Errorf("expected pool credited once, got total %d", pool.TotalTokens)
	}
}

func TestStart_LostInsertRaceWithDifferentPayloadConflicts(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	var winner Result
	f.saga.repo = &racingRepository{
		SQLRepository: NewSQLRepository(),
		compete: func() {
			competitor := NewService(f.db, f.quota, Config{Clock: f.clock.Now})
			var err error
			winner, err = competitor.Start(ctx, Request{OwnerID: testUser, Provider: "openai", Tokens: 10}, tier.Identity, "race")
			if err != nil {
				t.Errorf("competing Start failed: %v", err)
			}
		},
	}

	_, err := f.saga.Start(ctx, Request{OwnerID: testUser, Provider: "openai", Tokens: 20}, tier.Identity, "race")
	var conflict *ConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.SagaID != winner.SagaID {
		t.Errorf("expected conflict naming %s, got %s", winner.SagaID, conflict.SagaID)
	}

	stored, err := f.saga.Get(ctx, winner.SagaID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Tokens != 10 || stored.Status != StatusCompleted {
		t.Errorf("expected winner untouched, got %+v", stored)
	}
}

func TestStart_ConcurrentSameKeyCreditsOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	req := Request{OwnerID: testUser, Provider: "openai", Tokens: 10}

	const workers = 8
	var (
		wg      sync.WaitGroup
		results [workers]Result
		errs    [workers]error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.saga.Start(ctx, req, tier.Identity, "concurrent")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if results[i].SagaID != results[0].SagaID {
			t.Errorf("worker %d got saga %s, expected %s", i, results[i].SagaID, results[0].SagaID)
		}
	}

	pool, err := f.quota.GetQuota(ctx, quota.UserOwner(testUser), "openai", tier.Identity)
	if err != nil {
		t.Fatalf("GetQuota failed: %v", err)
	}
	if pool.TotalTokens != 10 {
		t.Errorf("expected pool credited once, got total %d", pool.TotalTokens)
	}
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   Request
		key   string
		field string
	}{
		{"missing user", Request{Provider: "openai", Tokens: 1}, "", "userId"},
		{"user not uuid", Request{OwnerID: "alice", Provider: "openai", Tokens: 1}, "", "userId"},
		{"org not uuid", Request{OwnerID: testUser, OrgID: "acme", Provider: "openai", Tokens: 1}, "", "orgId"},
		{"missing provider", Request{OwnerID: testUser, Tokens: 1}, "", "provider"},
		{"zero tokens", Request{OwnerID: testUser, Provider: "openai"}, "", "tokens"},
		{"negative tokens", Request{OwnerID: testUser, Provider: "openai", Tokens: -5}, "", "tokens"},
		{"key too long", Request{OwnerID: testUser, Provider: "openai", Tokens: 1}, strings.Repeat("k", 101), "idempotencyKey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.saga.Start(ctx, tt.req, tier.Identity, tt.key)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("expected field %s, got %v", tt.field, err)
			}
		})
	}

	pending, err := f.outbox.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected no events for rejected requests, got %d", pending)
	}

	if _, err := f.saga.Start(ctx, Request{OwnerID: testUser, Provider: "openai", Tokens: 1}, tier.Identity, strings.Repeat("k", 100)); err != nil {
		t.Errorf("expected 100 character key to be accepted, got %v", err)
	}
}

func TestGet(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.saga.Get(ctx, "not-a-uuid"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if _, err := f.saga.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotIsFixedAtTransition(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	result, err := f.saga.Start(ctx, Request{OwnerID: testUser, Provider: "openai", Tokens: 10}, tier.Identity, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for _, e := range f.events(t, result.SagaID) {
		want := map[string]Status{
			EventPurchaseStarted:   StatusStarted,
			EventPaymentReserved:   StatusPaymentReserved,
			EventTokensAllocated:   StatusTokensAllocated,
			EventPurchaseCompleted: StatusCompleted,
		}[e.EventType]
		if !strings.Contains(string(e.Payload), `"status":"`+string(want)+`"`) {
			t.Errorf("%s payload should carry status %s, got %s", e.EventType, want, e.Payload)
		}
	}
}
