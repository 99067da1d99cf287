// Package worker is the Queue & Worker Pool (C9): a bounded-concurrency
// pull loop that claims job_ids off the durable queue and drives each
// through the Job Executor. Grounded on the same semaphore-plus-adaptive-
// backoff pull loop shape as jobplane's agent, adapted from batch
// container-job dequeue to a single-job-id BLPop lane.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/logger"
	"jobforge.dev/orchestrator/internal/core/ports"
	"jobforge.dev/orchestrator/internal/core/services"
)

// PoolConfig controls concurrency and the timing knobs the pool itself
// enforces (queue-level retry backoffs and the hard deadline; T_soft and
// T_perm_wait live inside the executor).
type PoolConfig struct {
	Concurrency        int
	QueuePollTimeout   time.Duration
	THard              time.Duration
	SessionRetryDelays []time.Duration
}

// Pool is one process's worker fleet: each goroutine dequeues one job_id at
// a time (prefetch = 1 per slot) and blocks until the executor terminates
// it, matching §4.9's "ack after the executor fully terminates".
type Pool struct {
	queue    ports.Queue
	dlq      ports.DeadLetterQueue
	executor *services.Executor
	cfg      PoolConfig
}

func New(queue ports.Queue, dlq ports.DeadLetterQueue, executor *services.Executor, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueuePollTimeout <= 0 {
		cfg.QueuePollTimeout = 5 * time.Second
	}
	if len(cfg.SessionRetryDelays) == 0 {
		cfg.SessionRetryDelays = []time.Duration{30 * time.Second, 120 * time.Second}
	}
	return &Pool{queue: queue, dlq: dlq, executor: executor, cfg: cfg}
}

// Run blocks until ctx is cancelled, draining in-flight jobs before
// returning so a hard kill mid-execution is the exception, not the norm.
func (p *Pool) Run(ctx context.Context) {
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	logger.Info("worker pool starting", "concurrency", p.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker pool draining in-flight jobs")
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		jobID, ok, err := p.queue.Dequeue(ctx, int(p.cfg.QueuePollTimeout/time.Second))
		if err != nil {
			if ctx.Err() != nil {
				<-sem
				wg.Wait()
				return
			}
			logger.ErrorContext(ctx, "worker pool: dequeue failed", "error", err)
			<-sem
			continue
		}
		if !ok {
			<-sem
			continue
		}

		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			defer func() { <-sem }()
			p.processJob(ctx, jobID)
		}(jobID)
	}
}

// processJob runs one job to a terminal state, enforcing T_hard as the
// worker-level kill switch and retrying a session-create TransportError per
// §4.9's queue-level retry policy before parking the job in the DLQ.
func (p *Pool) processJob(ctx context.Context, jobID string) {
	for attempt := 0; ; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, p.cfg.THard)
		err := p.executor.Run(jobCtx, jobID)
		cancel()

		if err == nil {
			return
		}

		var sessionErr *services.SessionCreateFailure
		if !errors.As(err, &sessionErr) {
			logger.ErrorContext(ctx, "worker pool: unexpected executor error", "job_id", jobID, "error", err)
			return
		}

		if attempt >= len(p.cfg.SessionRetryDelays) {
			logger.WarnContext(ctx, "worker pool: session create retries exhausted, parking in dead letter queue", "job_id", jobID, "error", sessionErr)
			p.executor.Fail(ctx, jobID, domain.ErrCodeSessionCreateFailed, sessionErr.Error())
			if dlqErr := p.dlq.Add(ctx, jobID, sessionErr.Error()); dlqErr != nil {
				logger.ErrorContext(ctx, "worker pool: failed to park job in dead letter queue", "job_id", jobID, "error", dlqErr)
			}
			return
		}

		delay := p.cfg.SessionRetryDelays[attempt]
		logger.WarnContext(ctx, "worker pool: retrying session create", "job_id", jobID, "attempt", attempt+1, "delay", delay, "error", sessionErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}
