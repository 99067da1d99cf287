package skills

import (
	"fmt"
	"strings"

	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/ports"
)

// GeneralDefault is the router's fallback: it never wins the argmax (the
// router excludes it from scoring per §4.6) but must always be selectable
// on its own.
type GeneralDefault struct{}

func (GeneralDefault) Descriptor() domain.SkillDescriptor {
	return domain.SkillDescriptor{
		Code:          "general-default",
		Name:          "General Default",
		Aliases:       []string{"auto", "general"},
		Version:       "1.0.0",
		SchemaVersion: "1.0.0",
		Description:   "Generic fallback skill for unmatched requirements.",
		TaskType:      "general",
	}
}

func (GeneralDefault) Score(requirement string, filenames []string) float64 {
	if strings.TrimSpace(requirement) == "" {
		return 0.2
	}
	return 0.5
}

func (GeneralDefault) BuildExecutionPlan(ctx ports.SkillContext) (map[string]any, error) {
	required := requiredFilesFromContract(ctx.OutputContract)
	contract := ctx.OutputContract
	if contract == nil {
		contract = map[string]any{"required_files": []any{}}
	}
	return map[string]any{
		"schema_version":  "1.0.0",
		"selected_skill":  "general-default",
		"output_contract": contract,
		"packaging_rules": map[string]any{"include": []string{
			"outputs/**", "job/execution-plan.json", "job/request.md", "logs/agent-last-message.md", "manifest.json",
		}},
		"timeouts":     map[string]any{"soft_seconds": 900, "hard_seconds": 1200},
		"retry_policy": map[string]any{"max_attempts": 2, "backoff_seconds": []int{30, 120}},
		"hints": map[string]any{
			"required_files":               required,
			"write_readme_for_assumptions": true,
		},
	}, nil
}

func (GeneralDefault) BuildPrompt(ctx ports.SkillContext, plan map[string]any) (string, error) {
	var b strings.Builder
	b.WriteString("You are a general-purpose task execution agent. Follow these constraints strictly:\n")
	fmt.Fprintf(&b, "- Workspace: %s\n", ctx.WorkspaceDir)
	b.WriteString("- Inputs: inputs/\n")
	b.WriteString("- Outputs: outputs/\n")
	b.WriteString("- Plan: job/execution-plan.json\n")
	b.WriteString("- Requirement: job/request.md\n")
	fmt.Fprintf(&b, "- Selected skill: %s\n", ctx.SelectedSkill)
	b.WriteString("- Never modify inputs/\n")
	b.WriteString("- Write all results only under outputs/\n")
	b.WriteString("- If information is insufficient, make the smallest reasonable assumption and record it in outputs/README.md\n")
	b.WriteString("- Satisfy the output_contract in execution-plan.json exactly\n\n")
	fmt.Fprintf(&b, "execution-plan.json:\n%s\n", planJSON(plan))
	return b.String(), nil
}

func (GeneralDefault) ValidateOutputs(ctx ports.SkillContext) error {
	if !outputsDirNonEmpty(ctx) {
		return fmt.Errorf("outputs/ is empty")
	}
	for _, required := range requiredFilesFromContract(ctx.OutputContract) {
		if !outputExists(ctx, required) {
			return fmt.Errorf("missing required output file: %s", required)
		}
	}
	return nil
}

func (GeneralDefault) ArtifactManifest(ctx ports.SkillContext) []map[string]string {
	return []map[string]string{{"kind": "default", "path": "outputs/"}}
}
