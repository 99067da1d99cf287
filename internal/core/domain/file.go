package domain

import "time"

type FileCategory string

const (
	FileCategoryInput  FileCategory = "input"
	FileCategoryOutput FileCategory = "output"
	FileCategoryBundle FileCategory = "bundle"
	FileCategoryLog    FileCategory = "log"
)

// JobFile is a catalog entry for a file that belongs to a job's workspace.
// Inputs are immutable after creation; outputs and bundle entries are
// written only by the executor during verifying/packaging.
type JobFile struct {
	ID           int64        `json:"id" gorm:"primaryKey;autoIncrement"`
	JobID        string       `json:"job_id" gorm:"index:idx_job_files_lookup"`
	Category     FileCategory `json:"category" gorm:"index:idx_job_files_lookup"`
	RelativePath string       `json:"relative_path" gorm:"index:idx_job_files_lookup"`
	MimeType     *string      `json:"mime_type,omitempty"`
	SizeBytes    int64        `json:"size_bytes"`
	SHA256       string       `json:"sha256"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (JobFile) TableName() string {
	return "job_files"
}

// ExternallyListable reports whether this category may appear in
// ListArtifacts / download responses.
func (c FileCategory) ExternallyListable() bool {
	return c == FileCategoryOutput || c == FileCategoryBundle
}
