package domain

import "time"

type JobStatus string

const (
	JobStatusCreated          JobStatus = "created"
	JobStatusQueued           JobStatus = "queued"
	JobStatusRunning          JobStatus = "running"
	JobStatusWaitingApproval  JobStatus = "waiting_approval"
	JobStatusVerifying        JobStatus = "verifying"
	JobStatusPackaging        JobStatus = "packaging"
	JobStatusSucceeded        JobStatus = "succeeded"
	JobStatusFailed           JobStatus = "failed"
	JobStatusAborted          JobStatus = "aborted"
)

// ModelRef pins a job to a specific provider/model pair. Both fields are set
// together or not at all.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// Job is the unit of work: one user request materialized as a state machine
// and an isolated workspace.
type Job struct {
	ID       string `json:"id" gorm:"primaryKey"`
	TenantID string `json:"tenant_id" gorm:"index"`
	CreatedBy string `json:"created_by"`

	RequirementText     string  `json:"requirement_text"`
	SelectedSkill       string  `json:"selected_skill"`
	Agent               string  `json:"agent"`
	ModelProviderID     *string `json:"model_provider_id,omitempty"`
	ModelID             *string `json:"model_id,omitempty"`
	OutputContractJSON  *string `json:"output_contract_json,omitempty" gorm:"type:jsonb"`

	Status          JobStatus `json:"status" gorm:"index"`
	SessionID       *string   `json:"session_id,omitempty"`
	WorkspaceDir    string    `json:"workspace_dir"`
	ResultBundlePath *string  `json:"result_bundle_path,omitempty"`
	ErrorCode       *string   `json:"error_code,omitempty"`
	ErrorMessage    *string   `json:"error_message,omitempty"`

	IdempotencyKey  *string `json:"idempotency_key,omitempty"`
	RequirementHash string  `json:"requirement_hash" gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

// Model reconstructs the ModelRef view from the two nullable columns, or nil
// when the job carries no pinned model.
func (j *Job) Model() *ModelRef {
	if j.ModelProviderID == nil || j.ModelID == nil {
		return nil
	}
	return &ModelRef{ProviderID: *j.ModelProviderID, ModelID: *j.ModelID}
}

// terminalStatuses lists the final states that admit no restart (aborted is
// absorbing; succeeded is excluded from restart). failed is not listed: it
// ends a run but can be restarted through failed->queued.
var terminalStatuses = map[JobStatus]bool{
	JobStatusSucceeded: true,
	JobStatusAborted:   true,
}

// IsTerminal reports whether status is succeeded or aborted; it returns
// false for failed, which can still be restarted.
func (s JobStatus) IsTerminal() bool {
	return terminalStatuses[s]
}
