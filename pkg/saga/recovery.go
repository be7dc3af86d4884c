package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/tokengate/pkg/config"
	"mercator-hq/tokengate/pkg/database"
	"mercator-hq/tokengate/pkg/telemetry/metrics"
	"mercator-hq/tokengate/pkg/telemetry/tracing"
)

// Recovery outcomes, used as the metrics label.
const (
	RecoveryCompleted = "completed"
	RecoveryFailed    = "failed"
	RecoverySkipped   = "skipped"
	RecoveryError     = "error"
)

// staleStatuses are the non-terminal statuses recovery acts on.
var staleStatuses = []Status{StatusStarted, StatusPaymentReserved, StatusTokensAllocated}

// RecoveryConfig configures a RecoveryJob.
type RecoveryConfig struct {
	// StaleAfter is how long a saga may sit in a non-terminal status.
	// Default: config.DefaultRecoveryStaleAfter
	StaleAfter time.Duration

	// Interval is the sweep period used by Start.
	// Default: config.DefaultRecoveryInterval
	Interval time.Duration

	// BatchSize bounds how many sagas one sweep handles.
	// Default: config.DefaultRecoveryBatchSize
	BatchSize int

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Clock   func() time.Time
}

// Report summarizes one sweep.
type Report struct {
	Completed int
	Failed    int
	Skipped   int
	Errors    int
}

// RecoveryJob finalizes sagas abandoned mid-flight.
type RecoveryJob struct {
	db         *database.DB
	repo       Repository
	staleAfter time.Duration
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
	metrics    *metrics.Collector
	clock      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRecoveryJob creates a recovery job over db.
func NewRecoveryJob(db *database.DB, cfg RecoveryConfig) *RecoveryJob {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = config.DefaultRecoveryStaleAfter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultRecoveryInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultRecoveryBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &RecoveryJob{
		db:         db,
		repo:       NewSQLRepository(),
		staleAfter: cfg.StaleAfter,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		logger:     cfg.Logger.With("component", "saga.recovery"),
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
		cron:       cron.New(),
	}
}

// RecoverStale runs one sweep. A TOKENS_ALLOCATED saga is completed; an
// earlier one is failed with a compensation event. Errors on individual
// sagas are logged and counted but do not stop the sweep; only a failure
// to list candidates is returned.
func (j *RecoveryJob) RecoverStale(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "saga.recover_stale")
	defer span.End()

	now := j.clock().UTC().Truncate(time.Millisecond)
	cutoff := now.Add(-j.staleAfter)

	sagas, err := j.repo.FindStale(ctx, j.db, staleStatuses, cutoff, j.batchSize)
	if err != nil {
		tracing.SetError(span, err)
		return Report{}, err
	}

	var report Report
	for _, saga := range sagas {
		outcome, err := j.recover(ctx, saga, now)
		if err != nil {
			j.logger.ErrorContext(ctx, "failed to recover saga",
				"saga_id", saga.ID,
				"status", saga.Status,
				"error", err,
			)
		}
		j.metrics.RecordRecovery(outcome)

		switch outcome {
		case RecoveryCompleted:
			report.Completed++
		case RecoveryFailed:
			report.Failed++
		case RecoverySkipped:
			report.Skipped++
		default:
			report.Errors++
		}
	}

	if len(sagas) > 0 {
		j.logger.InfoContext(ctx, "saga recovery sweep finished",
			"candidates", len(sagas),
			"completed", report.Completed,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"errors", report.Errors,
		)
	}
	return report, nil
}

func (j *RecoveryJob) recover(ctx context.Context, saga *Saga, now time.Time) (outcome string, err error) {
	defer func() {
		if p := recover(); p != nil {
			outcome, err = RecoveryError, fmt.Errorf("panic: %v", p)
		}
	}()

	target := StatusFailed
	events := []event{
		{AggregateRecovery, EventPurchaseFailed},
		{AggregateRecoveryCompensation, EventPaymentReleaseRequested},
	}
	reason := fmt.Sprintf("stale in %s", saga.Status)
	if saga.Status == StatusTokensAllocated {
		target = StatusCompleted
		events = []event{{AggregateRecovery, EventPurchaseCompleted}}
		reason = ""
	}

	err = j.db.InTx(ctx, func(tx *database.Tx) error {
		return applyTransition(ctx, tx, j.repo, saga, target, reason, now, events...)
	})
	if errors.Is(err, errStatusChanged) {
		return RecoverySkipped, nil
	}
	if err != nil {
		return RecoveryError, err
	}

	j.metrics.RecordSagaTransition(string(target))
	if target == StatusCompleted {
		return RecoveryCompleted, nil
	}
	return RecoveryFailed, nil
}

// Start schedules RecoverStale every Interval until ctx is cancelled or
// Stop is called.
func (j *RecoveryJob) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return nil
	}

	j.cron = cron.New()
	spec := "@every " + j.interval.String()
	if _, err := j.cron.AddFunc(spec, func() { j.runSweep(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule saga recovery: %w", err)
	}

	j.cron.Start()
	j.running = true
	j.logger.Info("saga recovery scheduled",
		"interval", j.interval,
		"stale_after", j.staleAfter,
		"batch_size", j.batchSize,
	)

	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

func (j *RecoveryJob) runSweep(ctx context.Context) {
	if _, err := j.RecoverStale(ctx); err != nil {
		j.logger.Error("saga recovery sweep failed", "error", err)
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *RecoveryJob) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info("saga recovery stopped")
}

// IsRunning reports whether the schedule is active.
func (j *RecoveryJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// NextRun returns the next scheduled sweep, or nil when not running.
func (j *RecoveryJob) NextRun() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries := j.cron.Entries()
	if !j.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
