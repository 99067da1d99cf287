package skills

import (
	"fmt"
	"path/filepath"
	"strings"

	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/ports"
)

var pptKeywords = []string{"ppt", "slides", "presentation", "deck", "slideshow"}

var strongMediaExtensions = map[string]bool{".pptx": true}
var weakMediaExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".svg": true, ".pdf": true}

type Ppt struct{}

func (Ppt) Descriptor() domain.SkillDescriptor {
	return domain.SkillDescriptor{
		Code:          "ppt",
		Name:          "PPT Generator",
		Aliases:       []string{"slides", "presentation"},
		Version:       "1.0.0",
		SchemaVersion: "1.0.0",
		Description:   "Generate a slide deck from a requirement and media assets.",
		TaskType:      "presentation",
	}
}

func (Ppt) Score(requirement string, filenames []string) float64 {
	text := strings.ToLower(requirement)
	keywordHits := 0
	for _, kw := range pptKeywords {
		if strings.Contains(text, kw) {
			keywordHits++
		}
	}
	fileScore := 0.0
	for _, f := range filenames {
		switch ext := strings.ToLower(filepath.Ext(f)); {
		case strongMediaExtensions[ext]:
			fileScore += 0.45
		case weakMediaExtensions[ext]:
			fileScore += 0.12
		}
	}
	score := 0.08 + float64(keywordHits)*0.14 + fileScore
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (Ppt) BuildExecutionPlan(ctx ports.SkillContext) (map[string]any, error) {
	contract := ctx.OutputContract
	if contract == nil {
		contract = map[string]any{"required_files": []any{"slides.pptx"}}
	}
	return map[string]any{
		"schema_version":  "1.0.0",
		"selected_skill":  "ppt",
		"output_contract": contract,
		"packaging_rules": map[string]any{"include": []string{"outputs/**", "job/request.md", "job/execution-plan.json"}},
		"timeouts":        map[string]any{"soft_seconds": 900, "hard_seconds": 1200},
		"retry_policy":    map[string]any{"max_attempts": 2, "backoff_seconds": []int{30, 120}},
		"ppt_rules": map[string]any{
			"theme":                       "professional",
			"write_assumptions_to_readme": true,
		},
	}, nil
}

func (Ppt) BuildPrompt(ctx ports.SkillContext, plan map[string]any) (string, error) {
	var b strings.Builder
	b.WriteString("Execute the ppt skill.\n")
	b.WriteString("Hard requirements:\n")
	b.WriteString("- Build the deck from text and image assets under inputs/\n")
	b.WriteString("- Write the result to outputs/slides.pptx\n")
	b.WriteString("- Optionally write preview images to outputs/preview/*.png\n")
	b.WriteString("- If information is missing, make the smallest reasonable assumption and record it in outputs/README.md\n")
	b.WriteString("- Never modify inputs/\n")
	b.WriteString("- Satisfy the output_contract in execution-plan.json exactly\n\n")
	fmt.Fprintf(&b, "execution-plan.json:\n%s\n", planJSON(plan))
	return b.String(), nil
}

func (Ppt) ValidateOutputs(ctx ports.SkillContext) error {
	if !outputExists(ctx, "slides.pptx") {
		return fmt.Errorf("ppt skill requires outputs/slides.pptx")
	}
	for _, required := range requiredFilesFromContract(ctx.OutputContract) {
		if !outputExists(ctx, required) {
			return fmt.Errorf("missing required output file: %s", required)
		}
	}
	return nil
}

func (Ppt) ArtifactManifest(ctx ports.SkillContext) []map[string]string {
	return []map[string]string{{"kind": "slides", "path": "outputs/slides.pptx"}}
}
