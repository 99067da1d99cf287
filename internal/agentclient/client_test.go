package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"jobforge.dev/orchestrator/internal/core/domain"
)

func TestHealthReturnsDecodedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/global/health" {
			t.Errorf("path = %q, want /global/health", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"healthy": true, "version": "1.2.3"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", 5*time.Second)
	healthy, version, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() returned error: %v", err)
	}
	if !healthy || version != "1.2.3" {
		t.Errorf("Health() = (%v, %q), want (true, \"1.2.3\")", healthy, version)
	}
}

func TestCreateSessionPrefersIDOverSessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("directory") != "/data/job-1" {
			t.Errorf("directory query = %q, want /data/job-1", r.URL.Query().Get("directory"))
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "sess-a", "sessionID": "sess-b"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", 5*time.Second)
	id, err := c.CreateSession(context.Background(), "/data/job-1", "job-1")
	if err != nil {
		t.Fatalf("CreateSession() returned error: %v", err)
	}
	if id != "sess-a" {
		t.Errorf("session id = %q, want %q", id, "sess-a")
	}
}

func TestCreateSessionFallsBackToSessionIDField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"sessionID": "sess-b"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", 5*time.Second)
	id, err := c.CreateSession(context.Background(), "/data/job-1", "job-1")
	if err != nil {
		t.Fatalf("CreateSession() returned error: %v", err)
	}
	if id != "sess-b" {
		t.Errorf("session id = %q, want %q", id, "sess-b")
	}
}

func TestCreateSessionErrorsWhenNoIDPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", 5*time.Second)
	if _, err := c.CreateSession(context.Background(), "/data/job-1", "job-1"); err == nil {
		t.Error("expected an error when the agent response has no session id")
	}
}

func TestClassifyMapsStatusCodesToFailureTaxonomy(t *testing.T) {
	tests := []struct {
		status  int
		checker func(error) bool
	}{
		{http.StatusUnauthorized, func(err error) bool { _, ok := err.(*AuthError); return ok }},
		{http.StatusForbidden, func(err error) bool { _, ok := err.(*AuthError); return ok }},
		{http.StatusNotFound, func(err error) bool { _, ok := err.(*NotFoundError); return ok }},
		{http.StatusBadRequest, func(err error) bool { _, ok := err.(*BadRequestError); return ok }},
		{http.StatusInternalServerError, func(err error) bool { _, ok := err.(*ServerError); return ok }},
		{http.StatusTeapot, func(err error) bool { _, ok := err.(*BadRequestError); return ok }},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte("boom"))
		}))
		c := New(srv.URL, "", "", 5*time.Second)
		_, _, err := c.Health(context.Background())
		if err == nil || !tt.checker(err) {
			t.Errorf("status %d: got error %v (%T), want matching type", tt.status, err, err)
		}
		srv.Close()
	}
}

func TestBasicAuthSentWhenPasswordConfigured(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	defer srv.Close()

	c := New(srv.URL, "agent-user", "s3cr3t", 5*time.Second)
	if _, _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health() returned error: %v", err)
	}
	if !gotOK || gotUser != "agent-user" || gotPass != "s3cr3t" {
		t.Errorf("BasicAuth() = (%q, %q, %v), want (\"agent-user\", \"s3cr3t\", true)", gotUser, gotPass, gotOK)
	}
}

func TestBasicAuthOmittedWhenPasswordEmpty(t *testing.T) {
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, gotOK = r.BasicAuth()
		json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", 5*time.Second)
	if _, _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health() returned error: %v", err)
	}
	if gotOK {
		t.Error("expected no Authorization header when password is empty")
	}
}

func TestPromptAsyncSendsModelWhenProvided(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", 5*time.Second)
	model := &domain.ModelRef{ProviderID: "anthropic", ModelID: "claude"}
	if err := c.PromptAsync(context.Background(), "/data/job-1", "sess-1", "do it", "build", model); err != nil {
		t.Fatalf("PromptAsync() returned error: %v", err)
	}
	got, ok := body["model"].(map[string]any)
	if !ok {
		t.Fatalf("body[model] = %v, want a map", body["model"])
	}
	if got["providerID"] != "anthropic" || got["modelID"] != "claude" {
		t.Errorf("model = %+v, want providerID/modelID set", got)
	}
}

func TestReadFileReturnsBodyBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("path") != "outputs/report.md" {
			t.Errorf("path query = %q, want outputs/report.md", r.URL.Query().Get("path"))
		}
		w.Write([]byte("# report"))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", 5*time.Second)
	b, err := c.ReadFile(context.Background(), "/data/job-1", "outputs/report.md")
	if err != nil {
		t.Fatalf("ReadFile() returned error: %v", err)
	}
	if string(b) != "# report" {
		t.Errorf("ReadFile() = %q, want %q", string(b), "# report")
	}
}
