package limits

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CleanupJob periodically evicts idle buckets from the store.
type CleanupJob struct {
	service  *BucketService
	interval time.Duration
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewCleanupJob creates a job that calls service.Cleanup every interval.
func NewCleanupJob(service *BucketService, interval time.Duration, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		service:  service,
		interval: interval,
		cron:     cron.New(),
		logger:   logger.With("component", "limits.cleanup"),
	}
}

// Start schedules the job. A non-positive interval disables it.
func (j *CleanupJob) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.interval <= 0 {
		j.logger.Info("bucket cleanup interval not configured, skipping")
		return nil
	}
	if j.running {
		return nil
	}

	j.cron = cron.New()
	if _, err := j.cron.AddFunc("@every "+j.interval.String(), func() { j.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule bucket cleanup: %w", err)
	}
	j.cron.Start()
	j.running = true
	j.logger.Info("bucket cleanup scheduled", "interval", j.interval)

	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

func (j *CleanupJob) run(ctx context.Context) {
	removed, err := j.service.Cleanup(ctx)
	if err != nil {
		j.logger.Error("bucket cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("bucket cleanup completed", "removed", removed)
	}
}

// Stop halts the schedule and waits for a running cleanup to finish.
func (j *CleanupJob) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
}

// IsRunning reports whether the schedule is active.
func (j *CleanupJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}
