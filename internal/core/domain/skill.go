package domain

// SkillDescriptor is the metadata view of a Skill exposed over GET /skills.
type SkillDescriptor struct {
	Code          string   `json:"code"`
	Name          string   `json:"name"`
	Aliases       []string `json:"aliases"`
	Version       string   `json:"version"`
	SchemaVersion string   `json:"schema_version"`
	Description   string   `json:"description"`
	TaskType      string   `json:"task_type"`
}
