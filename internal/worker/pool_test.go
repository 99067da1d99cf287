package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"jobforge.dev/orchestrator/internal/agentclient"
	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/ports"
	"jobforge.dev/orchestrator/internal/core/services"
	"jobforge.dev/orchestrator/internal/core/skills"
)

// fakeStore implements just enough of ports.JobStore for the pool tests;
// SetStatus applies only when the current status is in the "from" set and
// is not aborted, mirroring the store's own conditional-update contract
// without a real database.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newFakeStore(job *domain.Job) *fakeStore {
	return &fakeStore{jobs: map[string]*domain.Job{job.ID: job}}
}

func (s *fakeStore) CreateJob(ctx context.Context, job *domain.Job) error { return nil }
func (s *fakeStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return job, nil
}
func (s *fakeStore) ListJobs(ctx context.Context, tenantID string, offset, limit int) ([]*domain.Job, error) {
	return nil, nil
}
func (s *fakeStore) SetStatus(ctx context.Context, jobID string, from []domain.JobStatus, to domain.JobStatus) (bool, domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, "", errors.New("not found")
	}
	for _, f := range from {
		if job.Status == f && job.Status != domain.JobStatusAborted {
			job.Status = to
			return true, to, nil
		}
	}
	return false, job.Status, nil
}
func (s *fakeStore) SetSessionID(ctx context.Context, jobID, sessionID string) error { return nil }
func (s *fakeStore) SetError(ctx context.Context, jobID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	job.ErrorCode = &code
	job.ErrorMessage = &message
	return nil
}
func (s *fakeStore) SetResultBundlePath(ctx context.Context, jobID, path string) error { return nil }
func (s *fakeStore) AppendEvent(ctx context.Context, event *domain.JobEvent) error     { return nil }
func (s *fakeStore) StreamEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]*domain.JobEvent, error) {
	return nil, nil
}
func (s *fakeStore) AddPermissionAction(ctx context.Context, action *domain.PermissionAction) error {
	return nil
}
func (s *fakeStore) UpsertFile(ctx context.Context, file *domain.JobFile) error { return nil }
func (s *fakeStore) ListFiles(ctx context.Context, jobID string, category domain.FileCategory) ([]*domain.JobFile, error) {
	return nil, nil
}
func (s *fakeStore) GetFile(ctx context.Context, jobID string, category domain.FileCategory, relativePath string) (*domain.JobFile, error) {
	return nil, errors.New("not found")
}
func (s *fakeStore) ClaimIdempotency(ctx context.Context, tenantID, key, hash, jobID string) (string, bool, error) {
	return jobID, true, nil
}

type fakeWS struct{}

func (fakeWS) Root() string { return "/data" }
func (fakeWS) Create(ctx context.Context, jobID string) (string, error) {
	return "/data/" + jobID, nil
}
func (fakeWS) WriteRequest(ctx context.Context, jobID, requirementText string) error { return nil }
func (fakeWS) WriteExecutionPlan(ctx context.Context, jobID string, plan any) error   { return nil }
func (fakeWS) SaveUpload(ctx context.Context, jobID, filename string, r io.Reader) (string, int64, string, error) {
	return "", 0, "", nil
}
func (fakeWS) WriteLastMessage(ctx context.Context, jobID, text string) error { return nil }
func (fakeWS) HashInput(ctx context.Context, jobID, relativePath string) (string, error) {
	return "", nil
}
func (fakeWS) BuildBundle(ctx context.Context, jobID, sessionID string) (string, []ports.BundleEntry, error) {
	return "bundle/result.zip", nil, nil
}
func (fakeWS) OpenForDownload(ctx context.Context, jobID, relativePath string) (io.ReadCloser, int64, error) {
	return nil, 0, errors.New("not implemented")
}

type unknownSkillRegistry struct{}

func (unknownSkillRegistry) Get(code string) (ports.Skill, bool) { return nil, false }
func (unknownSkillRegistry) All() []ports.Skill                  { return nil }

type sessionFailingAgent struct{ calls int }

func (a *sessionFailingAgent) Health(ctx context.Context) (bool, string, error) { return true, "", nil }
func (a *sessionFailingAgent) CreateSession(ctx context.Context, directory, title string) (string, error) {
	a.calls++
	return "", &agentclient.TransportError{Err: errors.New("agent unreachable")}
}
func (a *sessionFailingAgent) PromptAsync(ctx context.Context, directory, sessionID, prompt, agent string, model *domain.ModelRef) error {
	return nil
}
func (a *sessionFailingAgent) SessionStatus(ctx context.Context, directory string) (map[string]ports.AgentSessionStatus, error) {
	return nil, nil
}
func (a *sessionFailingAgent) AbortSession(ctx context.Context, directory, sessionID string) error {
	return nil
}
func (a *sessionFailingAgent) ListPermissions(ctx context.Context, directory string) ([]ports.AgentPermissionRequest, error) {
	return nil, nil
}
func (a *sessionFailingAgent) ReplyPermission(ctx context.Context, directory, requestID string, decision domain.PermissionDecision, message string) error {
	return nil
}
func (a *sessionFailingAgent) LastMessage(ctx context.Context, directory, sessionID string, limit int) ([]map[string]any, error) {
	return nil, nil
}
func (a *sessionFailingAgent) ReadFile(ctx context.Context, directory, path string) ([]byte, error) {
	return nil, nil
}

type fakeBridge struct{}

func (fakeBridge) Subscribe(ctx context.Context, directory, sessionID string) (<-chan ports.NormalizedEvent, error) {
	return nil, nil
}

type fakePolicy struct{}

func (fakePolicy) Decide(request ports.AgentPermissionRequest, workspaceDir string) (domain.PermissionDecision, string) {
	return domain.PermissionReject, "no permissions expected in this test"
}

type singleJobQueue struct {
	jobID    string
	returned bool
}

func (q *singleJobQueue) Enqueue(ctx context.Context, jobID string) error { return nil }
func (q *singleJobQueue) Dequeue(ctx context.Context, timeout int) (string, bool, error) {
	if q.returned {
		<-ctx.Done()
		return "", false, ctx.Err()
	}
	q.returned = true
	return q.jobID, true, nil
}

type recordingDLQ struct {
	mu      sync.Mutex
	entries []string
}

func (d *recordingDLQ) Add(ctx context.Context, jobID string, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, jobID)
	return nil
}
func (d *recordingDLQ) List(ctx context.Context, offset, limit int) ([]ports.DeadLetterEntry, error) {
	return nil, nil
}
func (d *recordingDLQ) Remove(ctx context.Context, jobID string) error { return nil }

func TestPoolRunFailsJobWithUnknownSkill(t *testing.T) {
	job := &domain.Job{ID: "job-1", Status: domain.JobStatusQueued, SelectedSkill: "not-registered"}
	store := newFakeStore(job)
	executor := services.NewExecutor(store, fakeWS{}, &sessionFailingAgent{}, fakeBridge{}, fakePolicy{}, unknownSkillRegistry{}, services.ExecutorConfig{})
	queue := &singleJobQueue{jobID: job.ID}
	dlq := &recordingDLQ{}
	pool := New(queue, dlq, executor, PoolConfig{Concurrency: 1, QueuePollTimeout: 1 * time.Second, THard: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() returned error: %v", err)
	}
	if got.Status != domain.JobStatusFailed {
		t.Errorf("Status = %v, want %v for a job bound to an unregistered skill", got.Status, domain.JobStatusFailed)
	}
}

func TestPoolRunParksInDeadLetterQueueAfterRetriesExhausted(t *testing.T) {
	job := &domain.Job{ID: "job-2", Status: domain.JobStatusQueued, SelectedSkill: "general-default"}
	store := newFakeStore(job)
	agent := &sessionFailingAgent{}
	executor := services.NewExecutor(store, fakeWS{}, agent, fakeBridge{}, fakePolicy{}, skills.NewRegistry(), services.ExecutorConfig{})
	queue := &singleJobQueue{jobID: job.ID}
	dlq := &recordingDLQ{}
	pool := New(queue, dlq, executor, PoolConfig{
		Concurrency:        1,
		QueuePollTimeout:   1 * time.Second,
		THard:              2 * time.Second,
		SessionRetryDelays: []time.Duration{5 * time.Millisecond, 5 * time.Millisecond},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pool.Run(ctx)

	if agent.calls != 3 {
		t.Errorf("CreateSession calls = %d, want 3 (1 initial + 2 retries)", agent.calls)
	}
	dlq.mu.Lock()
	if len(dlq.entries) != 1 || dlq.entries[0] != job.ID {
		t.Errorf("dlq entries = %v, want [%s]", dlq.entries, job.ID)
	}
	dlq.mu.Unlock()

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() returned error: %v", err)
	}
	if got.Status != domain.JobStatusFailed {
		t.Errorf("Status = %v, want %v once retries are exhausted", got.Status, domain.JobStatusFailed)
	}
	if got.ErrorCode == nil || *got.ErrorCode != domain.ErrCodeSessionCreateFailed {
		t.Errorf("ErrorCode = %v, want %q", got.ErrorCode, domain.ErrCodeSessionCreateFailed)
	}
}
