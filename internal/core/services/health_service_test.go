package services

import (
	"context"
	"errors"
	"testing"

	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/ports"
)

type fakeHealthAgent struct {
	healthy bool
	version string
	err     error
}

func (f *fakeHealthAgent) Health(ctx context.Context) (bool, string, error) { return f.healthy, f.version, f.err }
func (f *fakeHealthAgent) CreateSession(ctx context.Context, directory, title string) (string, error) {
	return "", nil
}
func (f *fakeHealthAgent) PromptAsync(ctx context.Context, directory, sessionID, prompt, agent string, model *domain.ModelRef) error {
	return nil
}
func (f *fakeHealthAgent) SessionStatus(ctx context.Context, directory string) (map[string]ports.AgentSessionStatus, error) {
	return nil, nil
}
func (f *fakeHealthAgent) AbortSession(ctx context.Context, directory, sessionID string) error {
	return nil
}
func (f *fakeHealthAgent) ListPermissions(ctx context.Context, directory string) ([]ports.AgentPermissionRequest, error) {
	return nil, nil
}
func (f *fakeHealthAgent) ReplyPermission(ctx context.Context, directory, requestID string, decision domain.PermissionDecision, message string) error {
	return nil
}
func (f *fakeHealthAgent) LastMessage(ctx context.Context, directory, sessionID string, limit int) ([]map[string]any, error) {
	return nil, nil
}
func (f *fakeHealthAgent) ReadFile(ctx context.Context, directory, path string) ([]byte, error) {
	return nil, nil
}

func TestCheckAgent(t *testing.T) {
	tests := []struct {
		name  string
		agent ports.AgentClient
		want  HealthStatus
	}{
		{"not configured", nil, HealthStatusUnhealthy},
		{"transport error", &fakeHealthAgent{err: errors.New("dial tcp: refused")}, HealthStatusUnhealthy},
		{"server reports unhealthy", &fakeHealthAgent{healthy: false}, HealthStatusUnhealthy},
		{"healthy", &fakeHealthAgent{healthy: true, version: "1.2.3"}, HealthStatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &HealthService{agent: tt.agent}
			got := s.checkAgent(context.Background())
			if got.Status != tt.want {
				t.Errorf("checkAgent() status = %v, want %v", got.Status, tt.want)
			}
		})
	}
}

func TestNewHealthServiceDefaultsVersion(t *testing.T) {
	s := NewHealthService(nil, nil, nil, "")
	if s.version != "0.0.1" {
		t.Errorf("version = %q, want default %q", s.version, "0.0.1")
	}
	s = NewHealthService(nil, nil, nil, "2.0.0")
	if s.version != "2.0.0" {
		t.Errorf("version = %q, want %q", s.version, "2.0.0")
	}
}
