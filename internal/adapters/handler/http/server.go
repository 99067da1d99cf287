package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/ports"
	"jobforge.dev/orchestrator/internal/core/services"
)

// requestIDHeader is generated when absent and echoed on every response, per
// §6.1.
const requestIDHeader = "X-Request-Id"

// sseHeartbeat is the maximum gap between events before a keep-alive
// comment is written to keep intermediaries from closing the connection.
const sseHeartbeat = 15 * time.Second

// terminalGrace is how long the SSE stream stays open once the job is in a
// terminal status and no new events have arrived, in case a last event is
// still landing.
const terminalGrace = 3 * time.Second

type Server struct {
	router       *chi.Mux
	orchestrator *services.Orchestrator
	registry     ports.SkillRegistry
	store        ports.JobStore
	healthSvc    *services.HealthService
	validate     *validator.Validate
	maxUploadBytes int64
}

func NewServer(orchestrator *services.Orchestrator, registry ports.SkillRegistry, store ports.JobStore, healthSvc *services.HealthService, maxUploadBytes int64) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		orchestrator:   orchestrator,
		registry:       registry,
		store:          store,
		healthSvc:      healthSvc,
		validate:       validator.New(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(requestIDMiddleware)
	s.router.Use(RateLimitMiddleware(20, 40))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Client-Platform", "X-Tenant-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		MetricsHandler().ServeHTTP(w, r)
	})

	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)
	s.router.Get("/health/detailed", s.handleDetailedHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Post("/start", s.handleStartJob)
				r.Get("/events", s.handleJobEvents)
				r.Post("/abort", s.handleAbortJob)
				r.Get("/artifacts", s.handleListArtifacts)
				r.Get("/download", s.handleDownloadBundle)
				r.Get("/artifacts/{artifactID}/download", s.handleDownloadArtifact)
			})
		})
		r.Route("/skills", func(r chi.Router) {
			r.Get("/", s.handleListSkills)
			r.Get("/{code}", s.handleGetSkill)
		})
	})
}

func (s *Server) Run(addr string) error {
	return http.ListenAndServe(addr, s.router)
}

// Router exposes the underlying handler so main can wrap it in an
// *http.Server for graceful shutdown control.
func (s *Server) Router() http.Handler {
	return s.router
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error_code": code, "error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// mapServiceError translates the sentinel errors from services into the
// status codes §6.1's error column names.
func mapServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, domain.ErrCodeInputInvalid, "not found")
	case errors.Is(err, services.ErrBadRequest):
		writeJSONError(w, http.StatusBadRequest, domain.ErrCodeInputInvalid, err.Error())
	case errors.Is(err, services.ErrIllegalTransition):
		writeJSONError(w, http.StatusConflict, domain.ErrCodeIllegalTransition, err.Error())
	case errors.Is(err, services.ErrAgentUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, domain.ErrCodeAgentUnavailable, err.Error())
	case errors.Is(err, services.ErrJobTerminal):
		writeJSONError(w, http.StatusBadRequest, domain.ErrCodeIllegalTransition, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())
	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

// createJobForm carries the non-file multipart fields; the validator tag
// enforces §6.1's non-blank requirement, and the model-field pairing is
// checked separately by the handler.
type createJobForm struct {
	Requirement     string `validate:"required"`
	SkillCode       string
	Agent           string
	ModelProviderID string
	ModelID         string
	IdempotencyKey  string
	OutputContract  string
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxUploadBytes + (1 << 20)); err != nil {
		writeJSONError(w, http.StatusBadRequest, domain.ErrCodeInputInvalid, "invalid multipart body: "+err.Error())
		return
	}

	form := createJobForm{
		Requirement:     strings.TrimSpace(r.FormValue("requirement")),
		SkillCode:       r.FormValue("skill_code"),
		Agent:           r.FormValue("agent"),
		ModelProviderID: r.FormValue("model_provider_id"),
		ModelID:         r.FormValue("model_id"),
		IdempotencyKey:  r.FormValue("idempotency_key"),
		OutputContract:  r.FormValue("output_contract"),
	}
	if err := s.validate.Struct(&form); err != nil {
		writeJSONError(w, http.StatusBadRequest, domain.ErrCodeInputInvalid, err.Error())
		return
	}
	if (form.ModelProviderID == "") != (form.ModelID == "") {
		writeJSONError(w, http.StatusBadRequest, domain.ErrCodeInputInvalid, "model_provider_id and model_id must appear together")
		return
	}

	var fileHeaders []*multipart.FileHeader
	if r.MultipartForm != nil {
		fileHeaders = r.MultipartForm.File["files"]
	}
	if len(fileHeaders) == 0 {
		writeJSONError(w, http.StatusBadRequest, domain.ErrCodeInputInvalid, "at least one file is required")
		return
	}

	uploads := make([]services.UploadedFile, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, domain.ErrCodeInputInvalid, "cannot open upload: "+fh.Filename)
			return
		}
		defer f.Close()
		uploads = append(uploads, services.UploadedFile{Filename: fh.Filename, Content: f})
	}

	var outputContract map[string]any
	if form.OutputContract != "" {
		if err := json.Unmarshal([]byte(form.OutputContract), &outputContract); err != nil {
			writeJSONError(w, http.StatusBadRequest, domain.ErrCodeInputInvalid, "output_contract must be a JSON object")
			return
		}
	}

	req := services.CreateJobRequest{
		TenantID:       tenantFromRequest(r),
		CreatedBy:      r.Header.Get("X-Client-Platform"),
		Requirement:    form.Requirement,
		Files:          uploads,
		SkillCode:      form.SkillCode,
		Agent:          form.Agent,
		OutputContract: outputContract,
		IdempotencyKey: form.IdempotencyKey,
	}
	if form.ModelProviderID != "" {
		req.Model = &domain.ModelRef{ProviderID: form.ModelProviderID, ModelID: form.ModelID}
	}

	result, err := s.orchestrator.CreateJob(r.Context(), req)
	if err != nil {
		mapServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":         result.JobID,
		"status":         result.Status,
		"selected_skill": result.SelectedSkill,
	})
}

func tenantFromRequest(r *http.Request) string {
	if t := r.Header.Get(tenantHeader); t != "" {
		return t
	}
	return "default"
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.orchestrator.StartJob(r.Context(), id)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": status})
}

// jobProjection is the wire shape for GET /jobs/{id}: the model pair is
// reconstructed from the two nullable columns per §6.1.
type jobProjection struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Status           domain.JobStatus `json:"status"`
	SelectedSkill    string           `json:"selected_skill"`
	Agent            string           `json:"agent"`
	Model            *domain.ModelRef `json:"model"`
	SessionID        *string          `json:"session_id,omitempty"`
	ErrorCode        *string          `json:"error_code,omitempty"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
	ResultBundlePath *string          `json:"result_bundle_path,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func projectJob(job *domain.Job) jobProjection {
	return jobProjection{
		ID:               job.ID,
		TenantID:         job.TenantID,
		Status:           job.Status,
		SelectedSkill:    job.SelectedSkill,
		Agent:            job.Agent,
		Model:            job.Model(),
		SessionID:        job.SessionID,
		ErrorCode:        job.ErrorCode,
		ErrorMessage:     job.ErrorMessage,
		ResultBundlePath: job.ResultBundlePath,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.orchestrator.GetJob(r.Context(), id)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectJob(job))
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.orchestrator.AbortJob(r.Context(), id)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectJob(job))
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifacts, bundleReady, err := s.orchestrator.ListArtifacts(r.Context(), id)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       id,
		"artifacts":    artifacts,
		"bundle_ready": bundleReady,
	})
}

func (s *Server) handleDownloadBundle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rc, size, err := s.orchestrator.DownloadBundle(r.Context(), id)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-result.zip"`, id))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	io.Copy(w, rc)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifactIDStr := chi.URLParam(r, "artifactID")
	artifactID, err := strconv.ParseInt(artifactIDStr, 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, domain.ErrCodeInputInvalid, "invalid artifact id")
		return
	}

	rc, size, filename, err := s.orchestrator.DownloadArtifact(r.Context(), id, artifactID)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	io.Copy(w, rc)
}

// jobEventPayload is one SSE data frame, matching §6.1's field list.
type jobEventPayload struct {
	JobID     string           `json:"job_id"`
	Status    *domain.JobStatus `json:"status,omitempty"`
	Source    domain.EventSource `json:"source"`
	EventType string           `json:"event_type"`
	Message   *string          `json:"message,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// handleJobEvents polls the store for new events rather than subscribing to
// an in-process fan-out, matching §9's decision that the API process and
// the worker process are separate and share only the database.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.orchestrator.GetJob(r.Context(), id); err != nil {
		mapServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	pollTicker := time.NewTicker(500 * time.Millisecond)
	defer pollTicker.Stop()
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	var afterID int64
	var terminalSince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			events, err := s.store.StreamEvents(ctx, id, afterID, 100)
			if err != nil {
				return
			}
			for _, e := range events {
				afterID = e.ID
				writeSSEEvent(w, e)
				heartbeat.Reset(sseHeartbeat)
			}
			flusher.Flush()
			if len(events) > 0 {
				terminalSince = time.Time{}
			}

			job, err := s.orchestrator.GetJob(ctx, id)
			if err != nil {
				return
			}
			if job.Status.IsTerminal() || job.Status == domain.JobStatusFailed {
				if terminalSince.IsZero() {
					terminalSince = time.Now()
				} else if time.Since(terminalSince) > terminalGrace {
					return
				}
			} else {
				terminalSince = time.Time{}
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e *domain.JobEvent) {
	payload := jobEventPayload{
		JobID:     e.JobID,
		Status:    e.Status,
		Source:    e.Source,
		EventType: e.EventType,
		Message:   e.Message,
		CreatedAt: e.CreatedAt,
	}
	if e.PayloadJSON != nil {
		payload.Payload = json.RawMessage(*e.PayloadJSON)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.EventType, b)
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	taskType := r.URL.Query().Get("task_type")
	var descriptors []domain.SkillDescriptor
	for _, sk := range s.registry.All() {
		d := sk.Descriptor()
		if taskType != "" && d.TaskType != taskType {
			continue
		}
		descriptors = append(descriptors, d)
	}
	writeJSON(w, http.StatusOK, descriptors)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	sk, ok := s.registry.Get(code)
	if !ok {
		writeJSONError(w, http.StatusNotFound, domain.ErrCodeInputInvalid, "unknown skill code")
		return
	}
	writeJSON(w, http.StatusOK, sk.Descriptor())
}
