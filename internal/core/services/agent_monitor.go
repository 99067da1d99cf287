package services

import (
	"context"
	"time"

	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/logger"
	"jobforge.dev/orchestrator/internal/core/ports"
)

// JobWatchdog is a ticker-based safety net for jobs that outlive T_hard
// without ever reaching a terminal status. A worker process crash mid-job
// leaves no goroutine to observe its own context deadline, so nothing but
// an out-of-band scan ever force-terminalizes it. It complements, not
// replaces, the worker pool's per-attempt context.WithTimeout.
type JobWatchdog struct {
	store        ports.JobStore
	scanInterval time.Duration
	hardDeadline time.Duration
	scanLimit    int
	alertChan    chan WatchdogAlert
}

// WatchdogAlert is emitted whenever the watchdog force-terminates a job.
type WatchdogAlert struct {
	JobID     string
	Event     string // "killed_hard"
	Timestamp time.Time
}

func NewJobWatchdog(store ports.JobStore, scanInterval, hardDeadline time.Duration) *JobWatchdog {
	if scanInterval <= 0 {
		scanInterval = 30 * time.Second
	}
	return &JobWatchdog{
		store:        store,
		scanInterval: scanInterval,
		hardDeadline: hardDeadline,
		scanLimit:    200,
		alertChan:    make(chan WatchdogAlert, 100),
	}
}

// Start begins the watchdog loop; it returns once ctx is cancelled.
func (w *JobWatchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep scans in-flight jobs for ones that have overstayed T_hard past
// their last update and force-fails them. This is a defensive fallback;
// the worker pool's own deadline is expected to catch the common case
// first, so a hit here indicates a crashed or hung worker process.
func (w *JobWatchdog) sweep(ctx context.Context) {
	jobs, err := w.store.ListJobs(ctx, "", 0, w.scanLimit)
	if err != nil {
		logger.ErrorContext(ctx, "job watchdog: failed to list jobs", "error", err)
		return
	}

	now := time.Now()
	for _, job := range jobs {
		if !isInFlight(job.Status) {
			continue
		}
		if now.Sub(job.UpdatedAt) < w.hardDeadline {
			continue
		}
		w.killOrphan(ctx, job)
	}
}

func isInFlight(status domain.JobStatus) bool {
	switch status {
	case domain.JobStatusRunning, domain.JobStatusWaitingApproval, domain.JobStatusVerifying, domain.JobStatusPackaging:
		return true
	default:
		return false
	}
}

func (w *JobWatchdog) killOrphan(ctx context.Context, job *domain.Job) {
	nonTerminal := []domain.JobStatus{
		domain.JobStatusRunning, domain.JobStatusWaitingApproval,
		domain.JobStatusVerifying, domain.JobStatusPackaging,
	}
	ok, current, err := w.store.SetStatus(ctx, job.ID, nonTerminal, domain.JobStatusFailed)
	if err != nil {
		logger.ErrorContext(ctx, "job watchdog: force-fail transition errored", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		logger.DebugContext(ctx, "job watchdog: job moved on before force-fail landed", "job_id", job.ID, "current_status", current)
		return
	}

	if err := w.store.SetError(ctx, job.ID, domain.ErrCodeJobKilledHard, "orphaned past hard deadline with no active worker"); err != nil {
		logger.ErrorContext(ctx, "job watchdog: failed to record error", "job_id", job.ID, "error", err)
	}

	now := time.Now()
	logger.WarnContext(ctx, "job watchdog: force-killed orphaned job", "job_id", job.ID)
	select {
	case w.alertChan <- WatchdogAlert{JobID: job.ID, Event: "killed_hard", Timestamp: now}:
	default:
	}
}

// Alerts returns the channel of force-kill notifications.
func (w *JobWatchdog) Alerts() <-chan WatchdogAlert {
	return w.alertChan
}
