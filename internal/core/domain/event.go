package domain

import "time"

type EventSource string

const (
	EventSourceAPI    EventSource = "api"
	EventSourceWorker EventSource = "worker"
	EventSourceAgent  EventSource = "opencode"
)

// JobEvent is an append-only audit record of everything that happens to a
// job. The monotonic ID column is what SSE fan-out uses as a cursor.
type JobEvent struct {
	ID        int64       `json:"id" gorm:"primaryKey;autoIncrement"`
	JobID     string      `json:"job_id" gorm:"index"`
	Status    *JobStatus  `json:"status,omitempty"`
	Source    EventSource `json:"source"`
	EventType string      `json:"event_type"`
	Message   *string     `json:"message,omitempty"`
	PayloadJSON *string   `json:"payload,omitempty" gorm:"type:jsonb"`
	CreatedAt time.Time   `json:"created_at"`
}

func (JobEvent) TableName() string {
	return "job_events"
}

type PermissionDecision string

const (
	PermissionOnce   PermissionDecision = "once"
	PermissionAlways PermissionDecision = "always"
	PermissionReject PermissionDecision = "reject"
)

// PermissionAction is the audit of one automated reply to an agent
// permission request.
type PermissionAction struct {
	ID        int64              `json:"id" gorm:"primaryKey;autoIncrement"`
	JobID     string             `json:"job_id" gorm:"index"`
	RequestID string             `json:"request_id"`
	Action    PermissionDecision `json:"action"`
	Actor     string             `json:"actor"`
	CreatedAt time.Time          `json:"created_at"`
}

func (PermissionAction) TableName() string {
	return "permission_actions"
}

// IdempotencyRecord maps a tenant+key+content-hash triple to the job it
// created. A second CreateJob with the same triple must return the same
// job_id instead of creating a new job.
type IdempotencyRecord struct {
	TenantID        string    `json:"tenant_id" gorm:"primaryKey"`
	IdempotencyKey  string    `json:"idempotency_key" gorm:"primaryKey"`
	RequirementHash string    `json:"requirement_hash" gorm:"primaryKey"`
	JobID           string    `json:"job_id"`
	CreatedAt       time.Time `json:"created_at"`
}

func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}
