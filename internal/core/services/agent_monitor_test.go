package services

import (
	"context"
	"testing"
	"time"

	"jobforge.dev/orchestrator/internal/core/domain"
)

func TestSweepKillsOrphanedJobPastHardDeadline(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["stale"] = &domain.Job{
		ID:        "stale",
		Status:    domain.JobStatusRunning,
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}
	store.jobs["fresh"] = &domain.Job{
		ID:        "fresh",
		Status:    domain.JobStatusRunning,
		UpdatedAt: time.Now(),
	}
	store.jobs["done"] = &domain.Job{
		ID:        "done",
		Status:    domain.JobStatusSucceeded,
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}

	w := NewJobWatchdog(store, time.Minute, 20*time.Minute)
	w.sweep(context.Background())

	if store.jobs["stale"].Status != domain.JobStatusFailed {
		t.Errorf("stale job status = %v, want %v", store.jobs["stale"].Status, domain.JobStatusFailed)
	}
	if store.jobs["fresh"].Status != domain.JobStatusRunning {
		t.Errorf("fresh job should be untouched, status = %v", store.jobs["fresh"].Status)
	}
	if store.jobs["done"].Status != domain.JobStatusSucceeded {
		t.Errorf("terminal job should be untouched, status = %v", store.jobs["done"].Status)
	}

	select {
	case alert := <-w.Alerts():
		if alert.JobID != "stale" {
			t.Errorf("alert job id = %q, want %q", alert.JobID, "stale")
		}
	default:
		t.Error("expected a watchdog alert for the killed job")
	}
}

func TestIsInFlight(t *testing.T) {
	inFlight := []domain.JobStatus{
		domain.JobStatusRunning, domain.JobStatusWaitingApproval,
		domain.JobStatusVerifying, domain.JobStatusPackaging,
	}
	for _, s := range inFlight {
		if !isInFlight(s) {
			t.Errorf("isInFlight(%v) = false, want true", s)
		}
	}

	notInFlight := []domain.JobStatus{
		domain.JobStatusCreated, domain.JobStatusQueued,
		domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusAborted,
	}
	for _, s := range notInFlight {
		if isInFlight(s) {
			t.Errorf("isInFlight(%v) = true, want false", s)
		}
	}
}

func TestNewJobWatchdogDefaultsScanInterval(t *testing.T) {
	store := newFakeJobStore()
	w := NewJobWatchdog(store, 0, time.Minute)
	if w.scanInterval != 30*time.Second {
		t.Errorf("scanInterval = %v, want 30s default", w.scanInterval)
	}
}
