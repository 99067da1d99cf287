// Package services holds the Orchestrator Service (C7) and the Job
// Executor (C8): the public API contract and the state-machine driver built
// on top of it.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/logger"
	"jobforge.dev/orchestrator/internal/core/ports"
	"jobforge.dev/orchestrator/internal/core/skills"
)

type UploadedFile struct {
	Filename string
	Content  io.Reader
}

type CreateJobRequest struct {
	TenantID       string
	CreatedBy      string
	Requirement    string
	Files          []UploadedFile
	SkillCode      string
	Agent          string
	Model          *domain.ModelRef
	OutputContract map[string]any
	IdempotencyKey string
}

type CreateJobResult struct {
	JobID         string
	Status        domain.JobStatus
	SelectedSkill string
}

type Orchestrator struct {
	store    ports.JobStore
	ws       ports.Workspace
	agent    ports.AgentClient
	router   *skills.Router
	registry ports.SkillRegistry
	queue    ports.Queue
}

func NewOrchestrator(store ports.JobStore, ws ports.Workspace, agent ports.AgentClient, registry ports.SkillRegistry, fallbackThreshold float64, queue ports.Queue) *Orchestrator {
	return &Orchestrator{
		store:    store,
		ws:       ws,
		agent:    agent,
		router:   skills.NewRouter(registry, fallbackThreshold),
		registry: registry,
		queue:    queue,
	}
}

// CreateJob implements §4.7: hash, claim idempotency, materialize the
// workspace, resolve the skill, persist, and return.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (*CreateJobResult, error) {
	if strings.TrimSpace(req.Requirement) == "" {
		return nil, fmt.Errorf("%w: requirement must not be blank", ErrBadRequest)
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: at least one file is required", ErrBadRequest)
	}
	if req.Model != nil && (req.Model.ProviderID == "" || req.Model.ModelID == "") {
		return nil, fmt.Errorf("%w: model_provider_id and model_id must appear together", ErrBadRequest)
	}

	jobID := uuid.NewString()

	// Buffer uploads once so we can both hash and store them without
	// requiring the caller to provide a Seeker.
	buffers := make([][]byte, len(req.Files))
	for i, f := range req.Files {
		b, err := io.ReadAll(f.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: read upload %s: %v", ErrBadRequest, f.Filename, err)
		}
		buffers[i] = b
	}

	requirementHash := computeRequirementHash(req.Requirement, req.Files, buffers)

	if req.IdempotencyKey != "" {
		existingJobID, claimed, err := o.store.ClaimIdempotency(ctx, req.TenantID, req.IdempotencyKey, requirementHash, jobID)
		if err != nil {
			return nil, fmt.Errorf("claim idempotency: %w", err)
		}
		if !claimed {
			existing, err := o.store.GetJob(ctx, existingJobID)
			if err != nil {
				return nil, fmt.Errorf("load idempotent job: %w", err)
			}
			return &CreateJobResult{JobID: existing.ID, Status: existing.Status, SelectedSkill: existing.SelectedSkill}, nil
		}
	}

	workspaceDir, err := o.ws.Create(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", domain.ErrCodeStorageWriteFailed, err)
	}

	filenames := make([]string, len(req.Files))
	for i, f := range req.Files {
		filenames[i] = f.Filename
	}
	selection, err := o.router.Select(req.Requirement, filenames, req.SkillCode)
	if err != nil {
		if errors.Is(err, skills.ErrBadRequest) {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return nil, err
	}

	agentName := req.Agent
	if agentName == "" {
		agentName = "build"
	}

	skillCtx := ports.SkillContext{
		JobID:          jobID,
		TenantID:       req.TenantID,
		Requirement:    req.Requirement,
		WorkspaceDir:   workspaceDir,
		InputFiles:     filenames,
		SelectedSkill:  selection.Skill.Descriptor().Code,
		Agent:          agentName,
		Model:          req.Model,
		OutputContract: req.OutputContract,
	}

	plan, err := selection.Skill.BuildExecutionPlan(skillCtx)
	if err != nil {
		return nil, fmt.Errorf("build execution plan: %w", err)
	}

	if err := o.ws.WriteRequest(ctx, jobID, req.Requirement); err != nil {
		return nil, fmt.Errorf("%s: %w", domain.ErrCodeStorageWriteFailed, err)
	}
	if err := o.ws.WriteExecutionPlan(ctx, jobID, plan); err != nil {
		return nil, fmt.Errorf("%s: %w", domain.ErrCodeStorageWriteFailed, err)
	}

	var outputContractJSON *string
	if req.OutputContract != nil {
		if s, err := jsonString(req.OutputContract); err == nil {
			outputContractJSON = &s
		}
	}

	job := &domain.Job{
		ID:                 jobID,
		TenantID:           req.TenantID,
		CreatedBy:          req.CreatedBy,
		RequirementText:    req.Requirement,
		SelectedSkill:      selection.Skill.Descriptor().Code,
		Agent:              agentName,
		OutputContractJSON: outputContractJSON,
		Status:             domain.JobStatusCreated,
		WorkspaceDir:       workspaceDir,
		RequirementHash:    requirementHash,
	}
	if req.Model != nil {
		job.ModelProviderID = &req.Model.ProviderID
		job.ModelID = &req.Model.ModelID
	}
	if req.IdempotencyKey != "" {
		job.IdempotencyKey = &req.IdempotencyKey
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	for i, f := range req.Files {
		relPath, size, sha, err := o.ws.SaveUpload(ctx, jobID, f.Filename, strings.NewReader(string(buffers[i])))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		if err := o.store.UpsertFile(ctx, &domain.JobFile{
			JobID:        jobID,
			Category:     domain.FileCategoryInput,
			RelativePath: relPath,
			SizeBytes:    size,
			SHA256:       sha,
		}); err != nil {
			return nil, fmt.Errorf("index input file: %w", err)
		}
	}

	if selection.FallbackReason != "" {
		o.emitEvent(ctx, jobID, domain.EventSourceAPI, "skill.router.fallback", selection.FallbackReason, map[string]any{
			"winning_skill": selection.Skill.Descriptor().Code,
			"reason":        selection.FallbackReason,
		})
	}
	o.emitEvent(ctx, jobID, domain.EventSourceAPI, "job.created", "job created", nil)

	return &CreateJobResult{JobID: jobID, Status: domain.JobStatusCreated, SelectedSkill: selection.Skill.Descriptor().Code}, nil
}

// StartJob implements §4.7's StartJob: probe agent health, transition to
// queued, then hand off to the worker pool.
func (o *Orchestrator) StartJob(ctx context.Context, jobID string) (domain.JobStatus, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", ErrNotFound
	}
	if job.Status != domain.JobStatusCreated && job.Status != domain.JobStatusFailed {
		return job.Status, fmt.Errorf("%w: cannot start job in status %s", ErrIllegalTransition, job.Status)
	}

	if healthy, _, err := o.agent.Health(ctx); err != nil || !healthy {
		return job.Status, ErrAgentUnavailable
	}

	ok, current, err := o.store.SetStatus(ctx, jobID, []domain.JobStatus{domain.JobStatusCreated, domain.JobStatusFailed}, domain.JobStatusQueued)
	if err != nil {
		return "", err
	}
	if !ok {
		return current, fmt.Errorf("%w: current status is %s", ErrIllegalTransition, current)
	}

	if err := o.queue.Enqueue(ctx, jobID); err != nil {
		return current, fmt.Errorf("enqueue job: %w", err)
	}
	o.emitEvent(ctx, jobID, domain.EventSourceAPI, "job.enqueued", "job enqueued", nil)

	return domain.JobStatusQueued, nil
}

func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, ErrNotFound
	}
	return job, nil
}

// AbortJob writes aborted via conditional update excluding
// {succeeded, aborted}; success is a no-op if already aborted, matching the
// idempotence law in §8.
func (o *Orchestrator) AbortJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, ErrNotFound
	}
	if job.Status == domain.JobStatusAborted {
		return job, nil
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job already in terminal status %s", ErrJobTerminal, job.Status)
	}

	nonTerminal := []domain.JobStatus{
		domain.JobStatusCreated, domain.JobStatusQueued, domain.JobStatusRunning,
		domain.JobStatusWaitingApproval, domain.JobStatusVerifying, domain.JobStatusPackaging, domain.JobStatusFailed,
	}
	ok, current, err := o.store.SetStatus(ctx, jobID, nonTerminal, domain.JobStatusAborted)
	if err != nil {
		return nil, err
	}
	if !ok {
		if current == domain.JobStatusAborted {
			return o.store.GetJob(ctx, jobID)
		}
		return nil, fmt.Errorf("%w: job moved to %s concurrently", ErrJobTerminal, current)
	}

	o.emitEvent(ctx, jobID, domain.EventSourceAPI, "job.aborted", "job aborted by request", nil)

	if job.SessionID != nil {
		_ = o.agent.AbortSession(ctx, job.WorkspaceDir, *job.SessionID)
	}

	return o.store.GetJob(ctx, jobID)
}

type Artifact struct {
	ID           int64               `json:"artifact_id"`
	Category     domain.FileCategory `json:"category"`
	RelativePath string              `json:"relative_path"`
	SizeBytes    int64               `json:"size_bytes"`
	SHA256       string              `json:"sha256"`
}

// ListArtifacts returns only output and bundle categories per the
// artifact-scoping property in §8.
func (o *Orchestrator) ListArtifacts(ctx context.Context, jobID string) ([]Artifact, bool, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, ErrNotFound
	}

	var artifacts []Artifact
	for _, category := range []domain.FileCategory{domain.FileCategoryOutput, domain.FileCategoryBundle} {
		files, err := o.store.ListFiles(ctx, jobID, category)
		if err != nil {
			return nil, false, err
		}
		for _, f := range files {
			artifacts = append(artifacts, Artifact{ID: f.ID, Category: f.Category, RelativePath: f.RelativePath, SizeBytes: f.SizeBytes, SHA256: f.SHA256})
		}
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].RelativePath < artifacts[j].RelativePath })

	return artifacts, job.ResultBundlePath != nil, nil
}

// GetArtifact resolves a single artifact by its store-assigned ID, scoped to
// the same externally-listable categories as ListArtifacts so a caller can
// never download an input file by guessing its ID.
func (o *Orchestrator) GetArtifact(ctx context.Context, jobID string, artifactID int64) (*Artifact, error) {
	artifacts, _, err := o.ListArtifacts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		if a.ID == artifactID {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

// DownloadBundle streams the packaged result.zip; it 404s (via ErrNotFound)
// until the job has actually reached packaging/succeeded and produced one.
func (o *Orchestrator) DownloadBundle(ctx context.Context, jobID string) (io.ReadCloser, int64, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, 0, ErrNotFound
	}
	if job.ResultBundlePath == nil {
		return nil, 0, ErrNotFound
	}
	rc, size, err := o.ws.OpenForDownload(ctx, jobID, *job.ResultBundlePath)
	if err != nil {
		return nil, 0, ErrNotFound
	}
	return rc, size, nil
}

// DownloadArtifact streams one cataloged output or bundle file by artifact
// ID, the same category scoping as ListArtifacts.
func (o *Orchestrator) DownloadArtifact(ctx context.Context, jobID string, artifactID int64) (io.ReadCloser, int64, string, error) {
	artifact, err := o.GetArtifact(ctx, jobID, artifactID)
	if err != nil {
		return nil, 0, "", err
	}
	rc, size, err := o.ws.OpenForDownload(ctx, jobID, artifact.RelativePath)
	if err != nil {
		return nil, 0, "", ErrNotFound
	}
	return rc, size, filepath.Base(artifact.RelativePath), nil
}

func (o *Orchestrator) emitEvent(ctx context.Context, jobID string, source domain.EventSource, eventType, message string, payload map[string]any) {
	event := &domain.JobEvent{JobID: jobID, Source: source, EventType: eventType}
	if message != "" {
		event.Message = &message
	}
	if payload != nil {
		if s, err := jsonString(payload); err == nil {
			event.PayloadJSON = &s
		}
	}
	if err := o.store.AppendEvent(ctx, event); err != nil {
		logger.ErrorContext(ctx, "failed to append job event", "job_id", jobID, "event_type", eventType, "error", err)
	}
}

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func computeRequirementHash(requirement string, files []UploadedFile, buffers [][]byte) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(requirement)))
	for i, f := range files {
		h.Write([]byte(f.Filename))
		sum := sha256.Sum256(buffers[i])
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
