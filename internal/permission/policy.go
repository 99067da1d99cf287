// Package permission is the Permission Policy Engine: a pure function that
// decides allow/deny for each agent permission request by pattern rules
// over tool kind, target path, and command tokens (§4.5). No I/O, no state.
package permission

import (
	"path/filepath"
	"strings"

	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/ports"
)

var fileTools = map[string]bool{
	"file": true, "edit": true, "write": true, "apply_patch": true,
}

// dangerousTokens are high-risk bash fragments that reject outright
// regardless of workspace containment, since a shell command has no single
// "target path" to check.
var dangerousTokens = []string{
	"rm -rf /",
	"sudo ",
	"mkfs",
	"shutdown",
	"reboot",
	"curl ",
	"wget ",
	"scp ",
	"ssh ",
	"| sh",
	"|sh",
}

type Engine struct{}

func New() *Engine { return &Engine{} }

// Decide implements the first-match-wins table from §4.5:
//   R1: file-family tool, target inside workspace -> once
//   R2: file-family tool, target escapes workspace -> reject
//   R3: bash with a high-risk token -> reject
//   R4: bash, default -> reject
//   R5: anything else -> reject
func (e *Engine) Decide(request ports.AgentPermissionRequest, workspaceDir string) (domain.PermissionDecision, string) {
	tool := strings.ToLower(request.Tool)

	if isBash(tool) {
		command := commandFromMetadata(request.Metadata)
		if containsDangerousToken(command) {
			return domain.PermissionReject, "rejected by policy: dangerous command"
		}
		return domain.PermissionReject, "rejected by policy: shell not whitelisted"
	}

	if isFileTool(tool) {
		for _, pattern := range request.Patterns {
			if looksLikePath(pattern) && !pathInWorkspace(pattern, workspaceDir) {
				return domain.PermissionReject, "rejected by policy: target escapes workspace"
			}
		}
		if target, ok := request.Metadata["path"].(string); ok && target != "" {
			if !pathInWorkspace(target, workspaceDir) {
				return domain.PermissionReject, "rejected by policy: target escapes workspace"
			}
		}
		return domain.PermissionOnce, ""
	}

	return domain.PermissionReject, "rejected by policy: unrecognized tool"
}

func isFileTool(tool string) bool {
	return fileTools[tool]
}

func isBash(tool string) bool {
	return tool == "bash" || tool == "shell"
}

func containsDangerousToken(command string) bool {
	lower := strings.ToLower(command)
	for _, token := range dangerousTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func commandFromMetadata(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata["command"].(string); ok {
		return v
	}
	return ""
}

func looksLikePath(value string) bool {
	return strings.Contains(value, "/") || strings.HasPrefix(value, ".")
}

// pathInWorkspace uses canonicalized absolute paths, not a textual prefix
// check, so "workspace-evil/../secrets" cannot pass by string luck.
func pathInWorkspace(target, workspaceDir string) bool {
	root, err := filepath.Abs(filepath.Clean(workspaceDir))
	if err != nil {
		return false
	}
	candidate := target
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate, err = filepath.Abs(filepath.Clean(candidate))
	if err != nil {
		return false
	}
	if candidate == root {
		return true
	}
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
