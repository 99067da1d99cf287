// Package skills is the compiled-in Skill Registry & Router (C6). Skills
// are pure value objects: they score a request, build a plan and a prompt,
// and validate the executor's outputs. They never touch the store or
// queue.
package skills

import (
	"encoding/json"
	"os"
	"path/filepath"

	"jobforge.dev/orchestrator/internal/core/ports"
)

// planJSON renders an execution plan for prompt embedding; a plan that
// somehow fails to marshal is a programming error in this package, not a
// runtime condition callers need to handle, so it degrades to an empty
// object rather than propagating an error through BuildPrompt.
func planJSON(plan map[string]any) string {
	b, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func requiredFilesFromContract(contract map[string]any) []string {
	if contract == nil {
		return nil
	}
	raw, ok := contract["required_files"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func outputExists(ctx ports.SkillContext, relative string) bool {
	info, err := os.Stat(filepath.Join(ctx.WorkspaceDir, "outputs", relative))
	return err == nil && !info.IsDir()
}

func outputsDirNonEmpty(ctx ports.SkillContext) bool {
	entries, err := os.ReadDir(filepath.Join(ctx.WorkspaceDir, "outputs"))
	if err != nil {
		return false
	}
	return len(entries) > 0
}
