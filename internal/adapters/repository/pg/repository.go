// Package pg is the Job Store: the durable Postgres/GORM-backed record of
// jobs, files, events, permission actions, and the idempotency index.
package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/ports"
)

const pgUniqueViolation = "23505"

type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (ports.JobStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`)

	if err := db.AutoMigrate(
		&domain.Job{},
		&domain.JobFile{},
		&domain.JobEvent{},
		&domain.PermissionAction{},
		&domain.IdempotencyRecord{},
	); err != nil {
		return nil, err
	}

	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_triple
		ON idempotency_records (tenant_id, idempotency_key, requirement_hash)`).Error; err != nil {
		return nil, err
	}

	return &Repository{db: db}, nil
}

// DB exposes the underlying gorm handle for health checks that need a raw
// connection ping, not a domain-level query.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) CreateJob(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repository) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Repository) ListJobs(ctx context.Context, tenantID string, offset, limit int) ([]*domain.Job, error) {
	q := r.db.WithContext(ctx).Order("created_at desc").Offset(offset).Limit(limit)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var jobs []*domain.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// SetStatus is the sole mechanism by which state transitions are committed.
// It is a single conditional UPDATE guarded by both the caller-supplied
// from-set and an unconditional exclusion of the aborted state, so once a
// job is aborted every subsequent SetStatus call is guaranteed to fail
// regardless of what from-set it passes.
func (r *Repository) SetStatus(ctx context.Context, jobID string, from []domain.JobStatus, to domain.JobStatus) (bool, domain.JobStatus, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	result := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status IN ? AND status <> ?", jobID, fromStrs, domain.JobStatusAborted).
		Update("status", to)
	if result.Error != nil {
		return false, "", result.Error
	}
	if result.RowsAffected > 0 {
		return true, to, nil
	}

	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return false, "", err
	}
	return false, job.Status, nil
}

func (r *Repository) SetSessionID(ctx context.Context, jobID, sessionID string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND session_id IS NULL", jobID).
		Update("session_id", sessionID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("session id already assigned")
	}
	return nil
}

func (r *Repository) SetError(ctx context.Context, jobID, code, message string) error {
	return r.db.WithContext(ctx).Model(&domain.Job{}).Where("id = ?", jobID).
		Updates(map[string]any{"error_code": code, "error_message": message}).Error
}

func (r *Repository) SetResultBundlePath(ctx context.Context, jobID, path string) error {
	return r.db.WithContext(ctx).Model(&domain.Job{}).Where("id = ?", jobID).
		Update("result_bundle_path", path).Error
}

func (r *Repository) AppendEvent(ctx context.Context, event *domain.JobEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *Repository) StreamEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]*domain.JobEvent, error) {
	var events []*domain.JobEvent
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND id > ?", jobID, afterID).
		Order("id asc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *Repository) AddPermissionAction(ctx context.Context, action *domain.PermissionAction) error {
	return r.db.WithContext(ctx).Create(action).Error
}

func (r *Repository) UpsertFile(ctx context.Context, file *domain.JobFile) error {
	var existing domain.JobFile
	err := r.db.WithContext(ctx).Where(
		"job_id = ? AND category = ? AND relative_path = ?",
		file.JobID, file.Category, file.RelativePath,
	).First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.WithContext(ctx).Create(file).Error
	}
	if err != nil {
		return err
	}

	file.ID = existing.ID
	return r.db.WithContext(ctx).Model(&existing).Updates(file).Error
}

func (r *Repository) ListFiles(ctx context.Context, jobID string, category domain.FileCategory) ([]*domain.JobFile, error) {
	var files []*domain.JobFile
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND category = ?", jobID, category).
		Order("relative_path asc").
		Find(&files).Error
	return files, err
}

func (r *Repository) GetFile(ctx context.Context, jobID string, category domain.FileCategory, relativePath string) (*domain.JobFile, error) {
	var file domain.JobFile
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND category = ? AND relative_path = ?", jobID, category, relativePath).
		First(&file).Error
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// ClaimIdempotency inserts under the unique (tenant_id, idempotency_key,
// requirement_hash) constraint. A unique-violation means another request
// already claimed the triple; we read back and return its job_id instead of
// surfacing the conflict to the caller.
func (r *Repository) ClaimIdempotency(ctx context.Context, tenantID, key, hash, jobID string) (string, bool, error) {
	record := &domain.IdempotencyRecord{
		TenantID:        tenantID,
		IdempotencyKey:  key,
		RequirementHash: hash,
		JobID:           jobID,
	}
	err := r.db.WithContext(ctx).Create(record).Error
	if err == nil {
		return jobID, true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		var existing domain.IdempotencyRecord
		findErr := r.db.WithContext(ctx).Where(
			"tenant_id = ? AND idempotency_key = ? AND requirement_hash = ?", tenantID, key, hash,
		).First(&existing).Error
		if findErr != nil {
			return "", false, findErr
		}
		return existing.JobID, false, nil
	}
	return "", false, err
}
