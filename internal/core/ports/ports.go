package ports

import (
	"context"
	"io"

	"jobforge.dev/orchestrator/internal/core/domain"
)

// JobStore is the durable record of jobs, files, events, permission actions,
// and the idempotency index. It enforces the state-machine and terminality
// invariants at the point of update, not in callers.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, tenantID string, offset, limit int) ([]*domain.Job, error)

	// SetStatus applies the transition only if the job's current status is a
	// member of from and is not aborted. It returns whether the write took
	// effect and the status actually observed afterward.
	SetStatus(ctx context.Context, jobID string, from []domain.JobStatus, to domain.JobStatus) (ok bool, current domain.JobStatus, err error)
	SetSessionID(ctx context.Context, jobID, sessionID string) error
	SetError(ctx context.Context, jobID, code, message string) error
	SetResultBundlePath(ctx context.Context, jobID, path string) error

	AppendEvent(ctx context.Context, event *domain.JobEvent) error
	StreamEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]*domain.JobEvent, error)

	AddPermissionAction(ctx context.Context, action *domain.PermissionAction) error

	UpsertFile(ctx context.Context, file *domain.JobFile) error
	ListFiles(ctx context.Context, jobID string, category domain.FileCategory) ([]*domain.JobFile, error)
	GetFile(ctx context.Context, jobID string, category domain.FileCategory, relativePath string) (*domain.JobFile, error)

	// ClaimIdempotency inserts the triple under a unique constraint; on
	// conflict it returns the job_id already bound to that triple.
	ClaimIdempotency(ctx context.Context, tenantID, key, hash, jobID string) (existingJobID string, claimed bool, err error)
}

// Workspace is the per-job filesystem sandbox: C2.
type Workspace interface {
	Root() string
	Create(ctx context.Context, jobID string) (dir string, err error)
	WriteRequest(ctx context.Context, jobID, requirementText string) error
	WriteExecutionPlan(ctx context.Context, jobID string, plan any) error
	SaveUpload(ctx context.Context, jobID string, filename string, r io.Reader) (relativePath string, sizeBytes int64, sha256Hex string, err error)
	WriteLastMessage(ctx context.Context, jobID, text string) error
	HashInput(ctx context.Context, jobID, relativePath string) (sha256Hex string, err error)
	BuildBundle(ctx context.Context, jobID, sessionID string) (bundleRelativePath string, entries []BundleEntry, err error)
	OpenForDownload(ctx context.Context, jobID, relativePath string) (io.ReadCloser, int64, error)
}

// BundleEntry is one row of a generated manifest.json.
type BundleEntry struct {
	RelativePath string `json:"relative_path"`
	SizeBytes    int64  `json:"size_bytes"`
	SHA256       string `json:"sha256"`
}

// AgentSessionStatus mirrors the external agent server's per-session status
// projection.
type AgentSessionStatus struct {
	Type    string `json:"type"` // idle|running|retry|...
	Message string `json:"message,omitempty"`
}

// AgentPermissionRequest is one pending permission prompt from the external
// agent server.
type AgentPermissionRequest struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Tool      string         `json:"permission"`
	Patterns  []string       `json:"patterns"`
	Metadata  map[string]any `json:"metadata"`
}

// AgentClient is the typed client for the external coding-agent server: C3.
type AgentClient interface {
	Health(ctx context.Context) (healthy bool, version string, err error)
	CreateSession(ctx context.Context, directory, title string) (sessionID string, err error)
	PromptAsync(ctx context.Context, directory, sessionID, prompt, agent string, model *domain.ModelRef) error
	SessionStatus(ctx context.Context, directory string) (map[string]AgentSessionStatus, error)
	AbortSession(ctx context.Context, directory, sessionID string) error
	ListPermissions(ctx context.Context, directory string) ([]AgentPermissionRequest, error)
	ReplyPermission(ctx context.Context, directory, requestID string, decision domain.PermissionDecision, message string) error
	LastMessage(ctx context.Context, directory, sessionID string, limit int) ([]map[string]any, error)
	ReadFile(ctx context.Context, directory, path string) ([]byte, error)
}

// NormalizedEvent is what the Event Bridge hands to the executor: a small,
// stable vocabulary independent of the agent server's raw SSE framing.
type NormalizedEvent struct {
	Kind      string // session.updated | session.retry | permission.asked | message.part.updated
	SessionID string
	Message   string
	Payload   map[string]any
}

// EventBridge subscribes to the agent's SSE stream filtered to one session
// and feeds normalized events to the executor: C4.
type EventBridge interface {
	Subscribe(ctx context.Context, directory, sessionID string) (<-chan NormalizedEvent, error)
}

// PermissionPolicy decides allow/deny for a pending permission request: C5.
// Pure: no I/O, no state.
type PermissionPolicy interface {
	Decide(request AgentPermissionRequest, workspaceDir string) (decision domain.PermissionDecision, message string)
}

// Skill is a pluggable strategy that turns a request into a plan, a prompt,
// and an output validator: C6.
type Skill interface {
	Descriptor() domain.SkillDescriptor
	Score(requirement string, filenames []string) float64
	BuildExecutionPlan(ctx SkillContext) (map[string]any, error)
	BuildPrompt(ctx SkillContext, plan map[string]any) (string, error)
	ValidateOutputs(ctx SkillContext) error
	ArtifactManifest(ctx SkillContext) []map[string]string
}

// SkillContext is the read-only view of a job a Skill operates over.
type SkillContext struct {
	JobID          string
	TenantID       string
	Requirement    string
	WorkspaceDir   string
	InputFiles     []string
	SelectedSkill  string
	Agent          string
	Model          *domain.ModelRef
	OutputContract map[string]any
}

// SkillRegistry holds compiled-in skill descriptors and resolves them by
// code or alias.
type SkillRegistry interface {
	Get(code string) (Skill, bool)
	All() []Skill
}

// Queue is the durable work queue backing the worker pool: C9.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context, timeout int) (jobID string, ok bool, err error)
}

// DeadLetterQueue records jobs whose queue-level retries were exhausted.
type DeadLetterQueue interface {
	Add(ctx context.Context, jobID string, reason string) error
	List(ctx context.Context, offset, limit int) ([]DeadLetterEntry, error)
	Remove(ctx context.Context, jobID string) error
}

// DeadLetterEntry is one row parked in the dead letter queue.
type DeadLetterEntry struct {
	JobID     string `json:"job_id"`
	Reason    string `json:"reason"`
	FailedAt  string `json:"failed_at"`
}
