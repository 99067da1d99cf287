package services

import (
	"context"
	"errors"
	"testing"

	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/ports"
)

type fakePermissionPolicy struct {
	decision domain.PermissionDecision
	message  string
}

func (f fakePermissionPolicy) Decide(request ports.AgentPermissionRequest, workspaceDir string) (domain.PermissionDecision, string) {
	return f.decision, f.message
}

type fakeBridge struct{}

func (fakeBridge) Subscribe(ctx context.Context, directory, sessionID string) (<-chan ports.NormalizedEvent, error) {
	return nil, nil
}

func newTestExecutor(store *fakeJobStore, agent ports.AgentClient, policy ports.PermissionPolicy) *Executor {
	return NewExecutor(store, &fakeWorkspace{}, agent, fakeBridge{}, policy, fakeRegistry{}, ExecutorConfig{Actor: "system"})
}

func TestEnsureNotAbortedReturnsJobAbortedError(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["job-1"] = &domain.Job{ID: "job-1", Status: domain.JobStatusAborted}
	e := newTestExecutor(store, &fakeAgentClient{}, fakePermissionPolicy{})

	err := e.ensureNotAborted(context.Background(), "job-1")
	var aborted JobAbortedError
	if !errors.As(err, &aborted) {
		t.Errorf("ensureNotAborted() = %v, want JobAbortedError", err)
	}
}

func TestEnsureNotAbortedPassesForLiveJob(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["job-1"] = &domain.Job{ID: "job-1", Status: domain.JobStatusRunning}
	e := newTestExecutor(store, &fakeAgentClient{}, fakePermissionPolicy{})

	if err := e.ensureNotAborted(context.Background(), "job-1"); err != nil {
		t.Errorf("ensureNotAborted() = %v, want nil for a running job", err)
	}
}

func TestSetStatusOrAbortReturnsAbortedWhenLoserIsAborted(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["job-1"] = &domain.Job{ID: "job-1", Status: domain.JobStatusAborted}
	e := newTestExecutor(store, &fakeAgentClient{}, fakePermissionPolicy{})

	err := e.setStatusOrAbort(context.Background(), "job-1", []domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusVerifying)
	var aborted JobAbortedError
	if !errors.As(err, &aborted) {
		t.Errorf("setStatusOrAbort() = %v, want JobAbortedError", err)
	}
}

func TestSetStatusOrAbortReturnsIllegalTransitionOtherwise(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["job-1"] = &domain.Job{ID: "job-1", Status: domain.JobStatusSucceeded}
	e := newTestExecutor(store, &fakeAgentClient{}, fakePermissionPolicy{})

	err := e.setStatusOrAbort(context.Background(), "job-1", []domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusVerifying)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("setStatusOrAbort() = %v, want ErrIllegalTransition", err)
	}
}

func TestFailWritesTerminalStatusAndErrorDetail(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["job-1"] = &domain.Job{ID: "job-1", Status: domain.JobStatusVerifying}
	e := newTestExecutor(store, &fakeAgentClient{}, fakePermissionPolicy{})

	e.fail(context.Background(), "job-1", domain.ErrCodeOutputsViolated, "missing report.md")

	if store.jobs["job-1"].Status != domain.JobStatusFailed {
		t.Errorf("Status = %v, want %v", store.jobs["job-1"].Status, domain.JobStatusFailed)
	}
	found := false
	for _, evt := range store.events {
		if evt.EventType == "job.failed" {
			found = true
		}
	}
	if !found {
		t.Error("expected a job.failed event to be recorded")
	}
}

func TestFailIsNoOpWhenAlreadyAborted(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["job-1"] = &domain.Job{ID: "job-1", Status: domain.JobStatusAborted}
	e := newTestExecutor(store, &fakeAgentClient{}, fakePermissionPolicy{})

	e.fail(context.Background(), "job-1", domain.ErrCodeOutputsViolated, "should not apply")

	if store.jobs["job-1"].Status != domain.JobStatusAborted {
		t.Errorf("Status = %v, an aborted job must stay aborted", store.jobs["job-1"].Status)
	}
}

func TestRouteTerminalOnAbortedEmitsAbortEventOnly(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["job-1"] = &domain.Job{ID: "job-1", Status: domain.JobStatusAborted}
	e := newTestExecutor(store, &fakeAgentClient{}, fakePermissionPolicy{})

	e.routeTerminal(context.Background(), "job-1", JobAbortedError{})

	if store.jobs["job-1"].Status != domain.JobStatusAborted {
		t.Errorf("Status = %v, want unchanged aborted", store.jobs["job-1"].Status)
	}
	if len(store.events) != 1 || store.events[0].EventType != "job.aborted" {
		t.Errorf("events = %+v, want a single job.aborted event", store.events)
	}
}

func TestRouteTerminalOnTimeoutWritesTimeoutCode(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["job-1"] = &domain.Job{ID: "job-1", Status: domain.JobStatusRunning}
	e := newTestExecutor(store, &fakeAgentClient{}, fakePermissionPolicy{})

	e.routeTerminal(context.Background(), "job-1", &timeoutError{code: domain.ErrCodeJobTimeoutSoft, message: "soft deadline exceeded"})

	if store.jobs["job-1"].Status != domain.JobStatusFailed {
		t.Errorf("Status = %v, want %v", store.jobs["job-1"].Status, domain.JobStatusFailed)
	}
	if store.jobs["job-1"].ErrorCode == nil || *store.jobs["job-1"].ErrorCode != domain.ErrCodeJobTimeoutSoft {
		t.Errorf("ErrorCode = %v, want %v", store.jobs["job-1"].ErrorCode, domain.ErrCodeJobTimeoutSoft)
	}
}

func TestProcessPermissionsRepliesAndRecordsAction(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["job-1"] = &domain.Job{ID: "job-1", WorkspaceDir: "/data/job-1", Status: domain.JobStatusRunning}
	agent := &permissionAgent{
		requests: []ports.AgentPermissionRequest{
			{ID: "perm-1", SessionID: "session-1", Tool: "edit", Patterns: []string{"main.go"}},
		},
	}
	e := newTestExecutor(store, agent, fakePermissionPolicy{decision: domain.PermissionOnce})

	pending, err := e.processPermissions(context.Background(), store.jobs["job-1"], "session-1")
	if err != nil {
		t.Fatalf("processPermissions() returned error: %v", err)
	}
	if !pending {
		t.Error("pending = false, want true since a request belonging to this session was seen")
	}
	if len(agent.replied) != 1 || agent.replied[0] != "perm-1" {
		t.Errorf("replied = %v, want [perm-1]", agent.replied)
	}
	if len(store.permissions) != 1 || store.permissions[0].Action != domain.PermissionOnce {
		t.Errorf("permissions = %+v, want one recorded PermissionOnce action", store.permissions)
	}
}

func TestProcessPermissionsIgnoresOtherSessions(t *testing.T) {
	store := newFakeJobStore()
	store.jobs["job-1"] = &domain.Job{ID: "job-1", WorkspaceDir: "/data/job-1", Status: domain.JobStatusRunning}
	agent := &permissionAgent{
		requests: []ports.AgentPermissionRequest{
			{ID: "perm-1", SessionID: "some-other-session", Tool: "edit"},
		},
	}
	e := newTestExecutor(store, agent, fakePermissionPolicy{decision: domain.PermissionOnce})

	pending, err := e.processPermissions(context.Background(), store.jobs["job-1"], "session-1")
	if err != nil {
		t.Fatalf("processPermissions() returned error: %v", err)
	}
	if pending {
		t.Error("pending = true, want false since the only request belongs to a different session")
	}
	if len(agent.replied) != 0 {
		t.Errorf("replied = %v, want none", agent.replied)
	}
}

type permissionAgent struct {
	fakeAgentClient
	requests []ports.AgentPermissionRequest
	replied  []string
}

func (p *permissionAgent) ListPermissions(ctx context.Context, directory string) ([]ports.AgentPermissionRequest, error) {
	return p.requests, nil
}

func (p *permissionAgent) ReplyPermission(ctx context.Context, directory, requestID string, decision domain.PermissionDecision, message string) error {
	p.replied = append(p.replied, requestID)
	return nil
}
