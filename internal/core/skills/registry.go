package skills

import (
	"jobforge.dev/orchestrator/internal/core/ports"
)

type Registry struct {
	byCode map[string]ports.Skill
}

// NewRegistry compiles in the built-in skills. New skills are added here by
// registering a descriptor; no dynamic plugin loading is required.
func NewRegistry() *Registry {
	r := &Registry{byCode: map[string]ports.Skill{}}
	for _, s := range []ports.Skill{DataAnalysis{}, Ppt{}, GeneralDefault{}} {
		d := s.Descriptor()
		r.byCode[d.Code] = s
		for _, alias := range d.Aliases {
			r.byCode[alias] = s
		}
	}
	return r
}

func (r *Registry) Get(code string) (ports.Skill, bool) {
	s, ok := r.byCode[code]
	return s, ok
}

// All returns each distinct registered skill exactly once (codes and
// aliases both point into the same map, so we dedupe by descriptor code).
func (r *Registry) All() []ports.Skill {
	seen := map[string]bool{}
	var out []ports.Skill
	for _, s := range r.byCode {
		code := s.Descriptor().Code
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, s)
	}
	return out
}

var _ ports.SkillRegistry = (*Registry)(nil)
