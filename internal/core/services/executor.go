package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobforge.dev/orchestrator/internal/agentclient"
	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/logger"
	"jobforge.dev/orchestrator/internal/core/ports"
)

// permissionPollRate caps how often a single session's permission queue is
// polled, independent of the convergence loop's TPoll cadence, so a
// misbehaving agent session emitting a permission burst can't monopolize
// the Agent Client's shared connection pool.
const permissionPollRate = 5

func newPermissionLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(permissionPollRate), permissionPollRate*2)
}

// ExecutorConfig carries the timeouts from §5 that the executor enforces on
// every job it drives. Values come from Config, never hardcoded, so an
// operator can retune them without a rebuild.
type ExecutorConfig struct {
	TPermWait time.Duration
	TSoft     time.Duration
	THard     time.Duration
	TPoll     time.Duration
	Actor     string
}

// Executor is the Job Executor (C8): the state-machine driver that owns one
// job for its full pipeline, from queued to a terminal state. It is
// stateless between jobs; all durable state lives in the JobStore.
type Executor struct {
	store    ports.JobStore
	ws       ports.Workspace
	agent    ports.AgentClient
	bridge   ports.EventBridge
	policy   ports.PermissionPolicy
	registry ports.SkillRegistry
	cfg      ExecutorConfig

	permLimiters sync.Map // sessionID -> *rate.Limiter
}

func NewExecutor(store ports.JobStore, ws ports.Workspace, agent ports.AgentClient, bridge ports.EventBridge, policy ports.PermissionPolicy, registry ports.SkillRegistry, cfg ExecutorConfig) *Executor {
	return &Executor{store: store, ws: ws, agent: agent, bridge: bridge, policy: policy, registry: registry, cfg: cfg}
}

// permissionLimiter returns the session's shared limiter, creating it on
// first use. The Executor outlives any single job, so limiters accumulate
// across sessions for the process lifetime; sessions number in the
// thousands at most, never enough to matter.
func (e *Executor) permissionLimiter(sessionID string) *rate.Limiter {
	if existing, ok := e.permLimiters.Load(sessionID); ok {
		return existing.(*rate.Limiter)
	}
	limiter := newPermissionLimiter()
	actual, _ := e.permLimiters.LoadOrStore(sessionID, limiter)
	return actual.(*rate.Limiter)
}

// SessionCreateFailure wraps a failed CreateSession call without writing a
// terminal status: per §4.9, this specific failure is retried by the
// worker pool (at most twice, 30s/120s backoff) before landing in the DLQ,
// unlike every other stage error which the executor terminalizes itself.
type SessionCreateFailure struct{ Err error }

func (e *SessionCreateFailure) Error() string { return fmt.Sprintf("session create failed: %v", e.Err) }
func (e *SessionCreateFailure) Unwrap() error { return e.Err }

// Run drives one job through the entire pipeline in §4.8.2. Every failure
// path except session creation already wrote the terminal status and
// error_code to the store before returning nil; a non-nil return is always
// a *SessionCreateFailure that the caller (the worker pool) must decide how
// to retry.
func (e *Executor) Run(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		logger.ErrorContext(ctx, "executor: job vanished before run", "job_id", jobID, "error", err)
		return nil
	}

	skill, ok := e.registry.Get(job.SelectedSkill)
	if !ok {
		e.fail(ctx, jobID, domain.ErrCodeSkillNotFound, fmt.Sprintf("unknown skill %q bound to job", job.SelectedSkill))
		return nil
	}

	// queued->running and running->running (a queue-level session-create
	// retry re-enters Run without the job ever having left running) are
	// both legal entry points here.
	if err := e.setStatusOrAbort(ctx, jobID, []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning}, domain.JobStatusRunning); err != nil {
		e.routeTerminal(ctx, jobID, err)
		return nil
	}
	e.event(ctx, jobID, domain.EventSourceWorker, "job.running", "")

	sessionID, err := e.agent.CreateSession(ctx, job.WorkspaceDir, fmt.Sprintf("job-%s", jobID))
	if err != nil {
		var transportErr *agentclient.TransportError
		var serverErr *agentclient.ServerError
		if errors.As(err, &transportErr) || errors.As(err, &serverErr) {
			return &SessionCreateFailure{Err: err}
		}
		e.fail(ctx, jobID, domain.ErrCodeSessionCreateFailed, err.Error())
		return nil
	}
	if err := e.store.SetSessionID(ctx, jobID, sessionID); err != nil {
		e.fail(ctx, jobID, domain.ErrCodeSessionCreateFailed, err.Error())
		return nil
	}
	e.event(ctx, jobID, domain.EventSourceWorker, "session.created", sessionID)

	var outputContract map[string]any
	if job.OutputContractJSON != nil {
		if err := json.Unmarshal([]byte(*job.OutputContractJSON), &outputContract); err != nil {
			logger.WarnContext(ctx, "executor: failed to parse persisted output contract", "job_id", jobID, "error", err)
		}
	}
	inputFiles, err := e.store.ListFiles(ctx, jobID, domain.FileCategoryInput)
	if err != nil {
		logger.WarnContext(ctx, "executor: failed to list input files", "job_id", jobID, "error", err)
	}
	inputPaths := make([]string, len(inputFiles))
	for i, f := range inputFiles {
		inputPaths[i] = f.RelativePath
	}

	skillCtx := ports.SkillContext{
		JobID:          jobID,
		TenantID:       job.TenantID,
		Requirement:    job.RequirementText,
		WorkspaceDir:   job.WorkspaceDir,
		InputFiles:     inputPaths,
		SelectedSkill:  job.SelectedSkill,
		Agent:          job.Agent,
		Model:          job.Model(),
		OutputContract: outputContract,
	}
	plan, err := skill.BuildExecutionPlan(skillCtx)
	if err != nil {
		e.fail(ctx, jobID, domain.ErrCodePromptFailed, err.Error())
		return nil
	}
	prompt, err := skill.BuildPrompt(skillCtx, plan)
	if err != nil {
		e.fail(ctx, jobID, domain.ErrCodePromptFailed, err.Error())
		return nil
	}
	if err := e.agent.PromptAsync(ctx, job.WorkspaceDir, sessionID, prompt, job.Agent, job.Model()); err != nil {
		e.fail(ctx, jobID, domain.ErrCodePromptFailed, err.Error())
		return nil
	}
	e.event(ctx, jobID, domain.EventSourceWorker, "prompt.sent", "")

	if err := e.converge(ctx, job, sessionID); err != nil {
		e.routeTerminal(ctx, jobID, err)
		return nil
	}

	messages, err := e.agent.LastMessage(ctx, job.WorkspaceDir, sessionID, 1)
	if err == nil && len(messages) > 0 {
		if text, ok := extractText(messages[len(messages)-1]); ok {
			_ = e.ws.WriteLastMessage(ctx, jobID, text)
		}
	}

	if err := e.setStatusOrAbort(ctx, jobID, []domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusVerifying); err != nil {
		e.routeTerminal(ctx, jobID, err)
		return nil
	}
	e.event(ctx, jobID, domain.EventSourceWorker, "job.verifying", "")

	if err := e.verifyInputsUnchanged(ctx, job); err != nil {
		e.fail(ctx, jobID, domain.ErrCodeInputsTampered, err.Error())
		return nil
	}
	if err := skill.ValidateOutputs(skillCtx); err != nil {
		e.fail(ctx, jobID, domain.ErrCodeOutputsViolated, err.Error())
		return nil
	}

	if err := e.setStatusOrAbort(ctx, jobID, []domain.JobStatus{domain.JobStatusVerifying}, domain.JobStatusPackaging); err != nil {
		e.routeTerminal(ctx, jobID, err)
		return nil
	}
	e.event(ctx, jobID, domain.EventSourceWorker, "job.packaging", "")

	bundlePath, entries, err := e.ws.BuildBundle(ctx, jobID, sessionID)
	if err != nil {
		e.fail(ctx, jobID, domain.ErrCodeBundleFailed, err.Error())
		return nil
	}
	for _, entry := range entries {
		category, catalog := catalogCategory(entry.RelativePath)
		if !catalog {
			continue
		}
		if err := e.store.UpsertFile(ctx, &domain.JobFile{
			JobID:        jobID,
			Category:     category,
			RelativePath: entry.RelativePath,
			SizeBytes:    entry.SizeBytes,
			SHA256:       entry.SHA256,
		}); err != nil {
			logger.ErrorContext(ctx, "executor: failed to index bundle entry", "job_id", jobID, "path", entry.RelativePath, "error", err)
		}
	}
	if err := e.store.SetResultBundlePath(ctx, jobID, bundlePath); err != nil {
		e.fail(ctx, jobID, domain.ErrCodeBundleFailed, err.Error())
		return nil
	}

	if err := e.setStatusOrAbort(ctx, jobID, []domain.JobStatus{domain.JobStatusPackaging}, domain.JobStatusSucceeded); err != nil {
		e.routeTerminal(ctx, jobID, err)
		return nil
	}
	succeeded := domain.JobStatusSucceeded
	e.eventStatus(ctx, jobID, domain.EventSourceWorker, "job.succeeded", "", &succeeded)
	return nil
}

// converge implements §4.8.3: fuse the Event Bridge stream with a T_poll
// ticker until the session goes idle, a deadline fires, or abort wins.
func (e *Executor) converge(ctx context.Context, job *domain.Job, sessionID string) error {
	events, err := e.bridge.Subscribe(ctx, job.WorkspaceDir, sessionID)
	if err != nil {
		logger.WarnContext(ctx, "executor: event bridge subscribe failed, falling back to poll-only", "job_id", job.ID, "error", err)
	}

	ticker := time.NewTicker(e.cfg.TPoll)
	defer ticker.Stop()

	start := time.Now()
	var waitingApprovalSince time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := e.handleNormalizedEvent(ctx, job, evt); err != nil {
				return err
			}
			if evt.Kind == "permission.asked" {
				idle, err := e.pollTick(ctx, job, sessionID, start, &waitingApprovalSince)
				if err != nil {
					return err
				}
				if idle {
					return nil
				}
			}

		case <-ticker.C:
			idle, err := e.pollTick(ctx, job, sessionID, start, &waitingApprovalSince)
			if err != nil {
				return err
			}
			if idle {
				return nil
			}
		}
	}
}

// pollTick performs steps a-e of §4.8.3 once. It returns (idle, error);
// idle=true tells the caller the convergence loop is done.
func (e *Executor) pollTick(ctx context.Context, job *domain.Job, sessionID string, loopStart time.Time, waitingApprovalSince *time.Time) (bool, error) {
	if err := e.ensureNotAborted(ctx, job.ID); err != nil {
		return false, err
	}

	if time.Since(loopStart) > e.cfg.TSoft {
		_ = e.agent.AbortSession(ctx, job.WorkspaceDir, sessionID)
		return false, &timeoutError{code: domain.ErrCodeJobTimeoutSoft, message: "soft deadline exceeded"}
	}

	statuses, err := e.agent.SessionStatus(ctx, job.WorkspaceDir)
	if err != nil {
		logger.WarnContext(ctx, "executor: session status probe failed", "job_id", job.ID, "error", err)
	} else if status, ok := statuses[sessionID]; ok {
		if status.Type == "idle" {
			return true, nil
		}
		if status.Type == "retry" {
			e.event(ctx, job.ID, domain.EventSourceWorker, "session.retry", status.Message)
		}
	}

	pending, err := e.processPermissions(ctx, job, sessionID)
	if err != nil {
		return false, err
	}

	current, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		return false, err
	}

	if pending {
		if current.Status == domain.JobStatusRunning {
			if err := e.setStatusOrAbort(ctx, job.ID, []domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusWaitingApproval); err != nil {
				return false, err
			}
			*waitingApprovalSince = time.Now()
		}
		if !waitingApprovalSince.IsZero() && time.Since(*waitingApprovalSince) > e.cfg.TPermWait {
			return false, &timeoutError{code: domain.ErrCodePermissionTimeout, message: "permission wait exceeded"}
		}
	} else if current.Status == domain.JobStatusWaitingApproval {
		if err := e.setStatusOrAbort(ctx, job.ID, []domain.JobStatus{domain.JobStatusWaitingApproval}, domain.JobStatusRunning); err != nil {
			return false, err
		}
		*waitingApprovalSince = time.Time{}
	}

	return false, nil
}

// processPermissions implements step (d): decide and reply to every pending
// permission belonging to this session. It returns whether any request for
// this session was pending on entry, whether or not it was replied to.
func (e *Executor) processPermissions(ctx context.Context, job *domain.Job, sessionID string) (bool, error) {
	if err := e.permissionLimiter(sessionID).Wait(ctx); err != nil {
		return false, nil
	}

	requests, err := e.agent.ListPermissions(ctx, job.WorkspaceDir)
	if err != nil {
		logger.WarnContext(ctx, "executor: list permissions failed", "job_id", job.ID, "error", err)
		return false, nil
	}

	pending := false
	for _, req := range requests {
		if req.SessionID != "" && req.SessionID != sessionID {
			continue
		}
		pending = true

		decision, message := e.policy.Decide(req, job.WorkspaceDir)
		if err := e.agent.ReplyPermission(ctx, job.WorkspaceDir, req.ID, decision, message); err != nil {
			logger.WarnContext(ctx, "executor: reply permission failed", "job_id", job.ID, "request_id", req.ID, "error", err)
			continue
		}

		if err := e.store.AddPermissionAction(ctx, &domain.PermissionAction{
			JobID:     job.ID,
			RequestID: req.ID,
			Action:    decision,
			Actor:     e.cfg.Actor,
		}); err != nil {
			logger.ErrorContext(ctx, "executor: failed to record permission action", "job_id", job.ID, "error", err)
		}
		e.event(ctx, job.ID, domain.EventSourceWorker, "permission.replied", string(decision)+": "+message)
	}

	return pending, nil
}

func (e *Executor) handleNormalizedEvent(ctx context.Context, job *domain.Job, evt ports.NormalizedEvent) error {
	switch evt.Kind {
	case "session.updated":
		e.event(ctx, job.ID, domain.EventSourceAgent, "session.updated", evt.Message)
	case "session.retry":
		e.event(ctx, job.ID, domain.EventSourceAgent, "session.retry", evt.Message)
	case "permission.asked":
		e.event(ctx, job.ID, domain.EventSourceAgent, "permission.asked", evt.Message)
	case "message.part.updated":
		// High-frequency, not persisted individually; the last assistant
		// message is captured once at convergence exit.
	}
	return e.ensureNotAborted(ctx, job.ID)
}

// verifyInputsUnchanged re-hashes every recorded input file and compares it
// against the hash captured at creation time (§4.8.2 step 7).
func (e *Executor) verifyInputsUnchanged(ctx context.Context, job *domain.Job) error {
	files, err := e.store.ListFiles(ctx, job.ID, domain.FileCategoryInput)
	if err != nil {
		return fmt.Errorf("list input files: %w", err)
	}
	for _, f := range files {
		current, err := e.ws.HashInput(ctx, job.ID, f.RelativePath)
		if err != nil {
			return fmt.Errorf("rehash %s: %w", f.RelativePath, err)
		}
		if current != f.SHA256 {
			return fmt.Errorf("input %s was modified during execution", f.RelativePath)
		}
	}
	return nil
}

// ensureNotAborted implements EnsureNotAborted from §4.8.1.
func (e *Executor) ensureNotAborted(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusAborted {
		return JobAbortedError{}
	}
	return nil
}

// setStatusOrAbort implements SetStatusOrAbort from §4.8.1: a conditional
// update that raises JobAbortedError if the loser is aborted, and
// ErrIllegalTransition for any other conflict.
func (e *Executor) setStatusOrAbort(ctx context.Context, jobID string, from []domain.JobStatus, to domain.JobStatus) error {
	ok, current, err := e.store.SetStatus(ctx, jobID, from, to)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if current == domain.JobStatusAborted {
		return JobAbortedError{}
	}
	return fmt.Errorf("%w: expected one of %v, observed %s", ErrIllegalTransition, from, current)
}

// timeoutError is the internal representation of a fired deadline; it
// carries the error_code the failure path writes to the job record.
type timeoutError struct {
	code    string
	message string
}

func (e *timeoutError) Error() string { return e.message }

// routeTerminal dispatches an error surfaced by a pipeline stage to its
// terminal status, per the routing table closing §4.8.2: abort wins over
// everything, a recognized timeout writes its own code, anything else is a
// generic failure.
func (e *Executor) routeTerminal(ctx context.Context, jobID string, err error) {
	var aborted JobAbortedError
	if errors.As(err, &aborted) {
		abortedStatus := domain.JobStatusAborted
		e.eventStatus(ctx, jobID, domain.EventSourceWorker, "job.aborted", "", &abortedStatus)
		return
	}

	var to *timeoutError
	if errors.As(err, &to) {
		e.fail(ctx, jobID, to.code, to.message)
		return
	}

	// The hard deadline is enforced by the caller cancelling ctx, not by a
	// timeoutError raised inside the loop; a bare DeadlineExceeded bubbling
	// out of converge is always the hard kill, per §4.9. ctx is dead by the
	// time we observe this, so the terminal write needs its own budget.
	if errors.Is(err, context.DeadlineExceeded) {
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.fail(writeCtx, jobID, domain.ErrCodeJobKilledHard, "hard deadline exceeded")
		return
	}

	e.fail(ctx, jobID, domain.ErrCodeIllegalTransition, err.Error())
}

// Fail terminalizes a job from outside the normal Run pipeline. It exists
// for the worker pool's queue-level retry policy (§4.9): once session-create
// retries are exhausted the job never re-enters Run, so the pool must write
// the terminal status itself instead of leaving it stranded in running.
func (e *Executor) Fail(ctx context.Context, jobID, code, message string) {
	e.fail(ctx, jobID, code, message)
}

func (e *Executor) fail(ctx context.Context, jobID, code, message string) {
	nonTerminal := []domain.JobStatus{
		domain.JobStatusQueued, domain.JobStatusRunning, domain.JobStatusWaitingApproval,
		domain.JobStatusVerifying, domain.JobStatusPackaging,
	}
	ok, current, err := e.store.SetStatus(ctx, jobID, nonTerminal, domain.JobStatusFailed)
	if err != nil {
		logger.ErrorContext(ctx, "executor: failed to write failed status", "job_id", jobID, "error", err)
		return
	}
	if !ok {
		if current == domain.JobStatusAborted {
			return
		}
		logger.WarnContext(ctx, "executor: fail() raced with a concurrent transition", "job_id", jobID, "observed", current)
		return
	}
	if err := e.store.SetError(ctx, jobID, code, message); err != nil {
		logger.ErrorContext(ctx, "executor: failed to persist error detail", "job_id", jobID, "error", err)
	}
	failed := domain.JobStatusFailed
	e.eventStatus(ctx, jobID, domain.EventSourceWorker, "job.failed", code+": "+message, &failed)
}

func (e *Executor) event(ctx context.Context, jobID string, source domain.EventSource, eventType, message string) {
	e.eventStatus(ctx, jobID, source, eventType, message, nil)
}

// eventStatus is event with the job's terminal status stamped onto the
// record, matching the original's practice of attaching the landed status to
// job.succeeded/job.failed/job.aborted rather than leaving it null.
func (e *Executor) eventStatus(ctx context.Context, jobID string, source domain.EventSource, eventType, message string, status *domain.JobStatus) {
	evt := &domain.JobEvent{JobID: jobID, Source: source, EventType: eventType, Status: status}
	if message != "" {
		evt.Message = &message
	}
	if err := e.store.AppendEvent(ctx, evt); err != nil {
		logger.ErrorContext(ctx, "executor: failed to append event", "job_id", jobID, "event_type", eventType, "error", err)
	}
}

// catalogCategory classifies a bundle entry for the file index. Only
// outputs, the bundle zip itself and the last-message log become JobFile
// rows, and of those only outputs and the bundle are externally listable;
// job/request.md and job/execution-plan.json ride along in the zip as
// context but are never cataloged.
func catalogCategory(relativePath string) (domain.FileCategory, bool) {
	switch {
	case strings.HasPrefix(relativePath, "outputs/"):
		return domain.FileCategoryOutput, true
	case strings.HasPrefix(relativePath, "bundle/"):
		return domain.FileCategoryBundle, true
	case relativePath == "logs/agent-last-message.md":
		return domain.FileCategoryLog, true
	default:
		return "", false
	}
}

func extractText(message map[string]any) (string, bool) {
	if text, ok := message["text"].(string); ok && text != "" {
		return text, true
	}
	parts, ok := message["parts"].([]any)
	if !ok {
		return "", false
	}
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok && text != "" {
			return text, true
		}
	}
	return "", false
}
