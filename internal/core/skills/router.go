package skills

import (
	"fmt"
	"path/filepath"

	"jobforge.dev/orchestrator/internal/core/ports"
)

const defaultSkillCode = "general-default"

type Router struct {
	registry          ports.SkillRegistry
	fallbackThreshold float64
}

func NewRouter(registry ports.SkillRegistry, fallbackThreshold float64) *Router {
	return &Router{registry: registry, fallbackThreshold: fallbackThreshold}
}

// FallbackReason is non-empty exactly when the router picked the default
// skill because no explicit choice was given and either no non-default
// skill is registered or the best score fell below threshold — the caller
// uses it to emit skill.router.fallback.
type Selection struct {
	Skill          ports.Skill
	FallbackReason string
}

// Select implements §4.6: explicit skill_code wins outright (BadRequest on
// miss); otherwise every non-default skill is scored and the argmax wins
// unless it falls below threshold, in which case general-default is used
// and a fallback event is warranted.
func (r *Router) Select(requirement string, filenames []string, skillCode string) (Selection, error) {
	if skillCode != "" {
		s, ok := r.registry.Get(skillCode)
		if !ok {
			return Selection{}, fmt.Errorf("%w: unknown skill_code %q", ErrBadRequest, skillCode)
		}
		return Selection{Skill: s}, nil
	}

	var best ports.Skill
	bestScore := -1.0
	for _, s := range r.registry.All() {
		if s.Descriptor().Code == defaultSkillCode {
			continue
		}
		score := s.Score(requirement, baseFilenames(filenames))
		if score > bestScore {
			bestScore = score
			best = s
		}
	}

	if best == nil {
		fallback, ok := r.registry.Get(defaultSkillCode)
		if !ok {
			return Selection{}, fmt.Errorf("no skill registered and no default skill available")
		}
		return Selection{Skill: fallback, FallbackReason: "no skill registered, fallback to general-default"}, nil
	}

	if bestScore < r.fallbackThreshold {
		fallback, ok := r.registry.Get(defaultSkillCode)
		if !ok {
			return Selection{}, fmt.Errorf("no default skill available")
		}
		return Selection{
			Skill:          fallback,
			FallbackReason: fmt.Sprintf("max score %.2f below threshold %.2f", bestScore, r.fallbackThreshold),
		}, nil
	}

	return Selection{Skill: best}, nil
}

func baseFilenames(filenames []string) []string {
	out := make([]string, len(filenames))
	for i, f := range filenames {
		out[i] = filepath.Base(f)
	}
	return out
}
