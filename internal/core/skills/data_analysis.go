package skills

import (
	"fmt"
	"path/filepath"
	"strings"

	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/ports"
)

var dataKeywords = []string{
	"data", "analysis", "analyze", "stats", "statistics", "report", "trend", "csv", "excel", "dataset",
}

var dataExtensions = map[string]bool{
	".csv": true, ".xlsx": true, ".xls": true, ".parquet": true, ".json": true,
}

type DataAnalysis struct{}

func (DataAnalysis) Descriptor() domain.SkillDescriptor {
	return domain.SkillDescriptor{
		Code:          "data-analysis",
		Name:          "Data Analysis",
		Aliases:       []string{"analysis", "csv-analysis"},
		Version:       "1.0.0",
		SchemaVersion: "1.0.0",
		Description:   "Analyze tabular data and output a report with charts.",
		TaskType:      "data_analysis",
	}
}

func (DataAnalysis) Score(requirement string, filenames []string) float64 {
	text := strings.ToLower(requirement)
	keywordHits := 0
	for _, kw := range dataKeywords {
		if strings.Contains(text, kw) {
			keywordHits++
		}
	}
	fileHits := 0
	for _, f := range filenames {
		if dataExtensions[strings.ToLower(filepath.Ext(f))] {
			fileHits++
		}
	}
	score := 0.15 + float64(keywordHits)*0.12 + float64(fileHits)*0.2
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (DataAnalysis) BuildExecutionPlan(ctx ports.SkillContext) (map[string]any, error) {
	contract := ctx.OutputContract
	if contract == nil {
		contract = map[string]any{
			"required_files":   []any{"report.md"},
			"suggested_files":  []any{"charts/overview.png"},
		}
	}
	return map[string]any{
		"schema_version":  "1.0.0",
		"selected_skill":  "data-analysis",
		"output_contract": contract,
		"packaging_rules": map[string]any{"include": []string{"outputs/**", "job/request.md", "job/execution-plan.json"}},
		"timeouts":        map[string]any{"soft_seconds": 900, "hard_seconds": 1200},
		"retry_policy":    map[string]any{"max_attempts": 2, "backoff_seconds": []int{30, 120}},
		"analysis_rules": map[string]any{
			"chart_engine":              "matplotlib",
			"write_assumptions_to_readme": true,
		},
	}, nil
}

func (DataAnalysis) BuildPrompt(ctx ports.SkillContext, plan map[string]any) (string, error) {
	var b strings.Builder
	b.WriteString("Execute the data-analysis skill.\n")
	b.WriteString("Hard requirements:\n")
	b.WriteString("- Read source data from inputs/, never modify the originals\n")
	b.WriteString("- Write structured findings to outputs/report.md\n")
	b.WriteString("- Write reproducible charts to outputs/charts/ (prefer PNG)\n")
	b.WriteString("- If a field's meaning is unclear, make the smallest reasonable assumption and record it in outputs/README.md\n")
	b.WriteString("- Satisfy the output_contract in execution-plan.json exactly\n\n")
	fmt.Fprintf(&b, "execution-plan.json:\n%s\n", planJSON(plan))
	return b.String(), nil
}

func (DataAnalysis) ValidateOutputs(ctx ports.SkillContext) error {
	if !outputExists(ctx, "report.md") {
		return fmt.Errorf("data-analysis requires outputs/report.md")
	}
	for _, required := range requiredFilesFromContract(ctx.OutputContract) {
		if !outputExists(ctx, required) {
			return fmt.Errorf("missing required output file: %s", required)
		}
	}
	return nil
}

func (DataAnalysis) ArtifactManifest(ctx ports.SkillContext) []map[string]string {
	return []map[string]string{
		{"kind": "report", "path": "outputs/report.md"},
		{"kind": "chart_dir", "path": "outputs/charts"},
	}
}
