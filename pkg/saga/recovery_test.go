package saga

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"mercator-hq/tokengate/pkg/database"
)

func insertSaga(t *testing.T, db *database.DB, status Status, updatedAt time.Time) *Saga {
	t.Helper()

	s := &Saga{
		ID:        uuid.NewString(),
		OwnerID:   testUser,
		Provider:  "openai",
		Tokens:    10,
		Status:    status,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
	if err := NewSQLRepository().Insert(context.Background(), db, s); err != nil {
		t.Fatalf("failed to insert saga: %v", err)
	}
	return s
}

func newTestRecovery(t *testing.T) (*RecoveryJob, *fixture) {
	t.Helper()
	f := newFixture(t, false)
	job := NewRecoveryJob(f.db, RecoveryConfig{StaleAfter: 10 * time.Minute, Clock: f.clock.Now})
	return job, f
}

func TestRecoverStale(t *testing.T) {
	job, f := newTestRecovery(t)
	ctx := context.Background()
	old := testTime.Add(-time.Hour)

	allocated := insertSaga(t, f.db, StatusTokensAllocated, old)
	reserved := insertSaga(t, f.db, StatusPaymentReserved, old)
	started := insertSaga(t, f.db, StatusStarted, old)
	fresh := insertSaga(t, f.db, StatusPaymentReserved, testTime.Add(-time.Minute))
	done := insertSaga(t, f.db, StatusCompleted, old)

	report, err := job.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if report.Completed != 1 || report.Failed != 2 || report.Skipped != 0 || report.Errors != 0 {
		t.Errorf("unexpected report %+v", report)
	}

	wantStatus := map[string]Status{
		allocated.ID: StatusCompleted,
		reserved.ID:  StatusFailed,
		started.ID:   StatusFailed,
		fresh.ID:     StatusPaymentReserved,
		done.ID:      StatusCompleted,
	}
	for id, want := range wantStatus {
		got, err := f.saga.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != want {
			t.Errorf("saga %s: expected %s, got %s", id, want, got.Status)
		}
	}

	completedEvents := f.events(t, allocated.ID)
	if len(completedEvents) != 1 || completedEvents[0].EventType != EventPurchaseCompleted ||
		completedEvents[0].AggregateType != AggregateRecovery {
		t.Errorf("unexpected completion events %+v", completedEvents)
	}

	failedEvents := f.events(t, reserved.ID)
	if countEvents(failedEvents, EventPurchaseFailed) != 1 || countEvents(failedEvents, EventPaymentReleaseRequested) != 1 {
		t.Errorf("expected failure and compensation events, got %v", eventTypes(failedEvents))
	}
	for _, e := range failedEvents {
		if e.EventType == EventPaymentReleaseRequested && e.AggregateType != AggregateRecoveryCompensation {
			t.Errorf("expected recovery compensation aggregate, got %s", e.AggregateType)
		}
	}

	if got := f.events(t, fresh.ID); len(got) != 0 {
		t.Errorf("expected fresh saga untouched, got %v", eventTypes(got))
	}

	// A second sweep finds nothing left to do.
	report, err = job.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if report != (Report{}) {
		t.Errorf("expected empty second sweep, got %+v", report)
	}
}

func TestRecoverStale_SkipsSagaFinishedConcurrently(t *testing.T) {
	job, f := newTestRecovery(t)
	ctx := context.Background()

	s := insertSaga(t, f.db, StatusTokensAllocated, testTime.Add(-time.Hour))

	// The owner completes the saga after recovery has listed it.
	err := f.db.InTx(ctx, func(tx *database.Tx) error {
		return job.repo.UpdateStatus(ctx, tx, s.ID, StatusTokensAllocated, StatusCompleted, "", testTime)
	})
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	outcome, err := job.recover(ctx, s, testTime)
	if err != nil || outcome != RecoverySkipped {
		t.Errorf("expected skip, got %s %v", outcome, err)
	}
	if got := f.events(t, s.ID); len(got) != 0 {
		t.Errorf("expected no events for skipped saga, got %v", eventTypes(got))
	}
}

func TestRecoverStale_BatchSize(t *testing.T) {
	f := newFixture(t, false)
	job := NewRecoveryJob(f.db, RecoveryConfig{StaleAfter: time.Minute, BatchSize: 2, Clock: f.clock.Now})

	for i := 0; i < 3; i++ {
		insertSaga(t, f.db, StatusStarted, testTime.Add(-time.Hour))
	}

	report, err := job.RecoverStale(context.Background())
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if report.Failed != 2 {
		t.Errorf("expected 2 recovered, got %+v", report)
	}
}

func TestRecoveryJob_StartStop(t *testing.T) {
	f := newFixture(t, false)
	job := NewRecoveryJob(f.db, RecoveryConfig{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := job.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !job.IsRunning() {
		t.Fatal("expected job to be running")
	}
	if next := job.NextRun(); next == nil || next.Before(time.Now()) {
		t.Errorf("expected a future run, got %v", next)
	}

	job.Stop()
	if job.IsRunning() {
		t.Error("expected job to be stopped")
	}
	if job.NextRun() != nil {
		t.Error("expected no next run after stop")
	}
}
