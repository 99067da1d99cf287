// Package agentclient is the Agent Client: a typed, connection-reused HTTP
// client for the external coding-agent server (§4.3/§6.2). Every request
// carries the job's workspace directory as the mandatory `directory` query
// parameter and Basic Auth credentials. Outbound calls are wrapped in the
// same circuit breaker the teacher wires around external dependencies.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"jobforge.dev/orchestrator/internal/core/circuitbreaker"
	"jobforge.dev/orchestrator/internal/core/domain"
	"jobforge.dev/orchestrator/internal/core/ports"
)

// defaultRequestsPerSecond caps total outbound traffic to the external
// agent server across every job's executor, independent of the circuit
// breaker's failure-based tripping.
const defaultRequestsPerSecond = 50

// Failure taxonomy per §4.3. TransportError and ServerError are retriable
// at the queue layer (§4.9); AuthError, NotFoundError and BadRequestError
// are fatal.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("agent transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

type AuthError struct{ Status int }

func (e *AuthError) Error() string { return fmt.Sprintf("agent auth error: status %d", e.Status) }

type NotFoundError struct{ Status int }

func (e *NotFoundError) Error() string { return fmt.Sprintf("agent not found: status %d", e.Status) }

type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("agent server error: status %d body %q", e.Status, e.Body)
}

type BadRequestError struct {
	Status int
	Body   string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("agent bad request: status %d body %q", e.Status, e.Body)
}

type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	limiter  *rate.Limiter
}

func New(baseURL, username, password string, requestTimeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		breaker: circuitbreaker.New("agent-client"),
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultRequestsPerSecond*2),
	}
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Err: err}
	}

	var resp *http.Response
	err := c.breaker.Execute(ctx, func() error {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(b)
		}

		u := c.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.password != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		r, err := c.http.Do(req)
		if err != nil {
			return &TransportError{Err: err}
		}
		resp = r
		return nil
	})
	if err == circuitbreaker.ErrCircuitOpen {
		return nil, &TransportError{Err: err}
	}
	return resp, err
}

func classify(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Status: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest:
		return &BadRequestError{Status: resp.StatusCode, Body: string(body)}
	case resp.StatusCode >= 500:
		return &ServerError{Status: resp.StatusCode, Body: string(body)}
	default:
		return &BadRequestError{Status: resp.StatusCode, Body: string(body)}
	}
}

func dirParams(directory string, extra url.Values) url.Values {
	v := url.Values{}
	if directory != "" {
		v.Set("directory", directory)
	}
	for k, vals := range extra {
		for _, val := range vals {
			v.Add(k, val)
		}
	}
	return v
}

func (c *Client) Health(ctx context.Context) (bool, string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/global/health", nil, nil)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	if err := classify(resp); err != nil {
		return false, "", err
	}
	var out struct {
		Healthy bool   `json:"healthy"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", err
	}
	return out.Healthy, out.Version, nil
}

func (c *Client) CreateSession(ctx context.Context, directory, title string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/session", dirParams(directory, nil), map[string]string{"title": title})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := classify(resp); err != nil {
		return "", err
	}
	var out struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	sessionID := out.ID
	if sessionID == "" {
		sessionID = out.SessionID
	}
	if sessionID == "" {
		return "", fmt.Errorf("missing session id from agent response")
	}
	return sessionID, nil
}

func (c *Client) PromptAsync(ctx context.Context, directory, sessionID, prompt, agent string, model *domain.ModelRef) error {
	body := map[string]any{
		"agent": agent,
		"parts": []map[string]string{{"type": "text", "text": prompt}},
	}
	if model != nil {
		body["model"] = map[string]string{"providerID": model.ProviderID, "modelID": model.ModelID}
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/session/%s/prompt_async", sessionID), dirParams(directory, nil), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classify(resp)
}

func (c *Client) SessionStatus(ctx context.Context, directory string) (map[string]ports.AgentSessionStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/session/status", dirParams(directory, nil), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := classify(resp); err != nil {
		return nil, err
	}
	out := map[string]ports.AgentSessionStatus{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AbortSession(ctx context.Context, directory, sessionID string) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/session/%s/abort", sessionID), dirParams(directory, nil), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classify(resp)
}

func (c *Client) ListPermissions(ctx context.Context, directory string) ([]ports.AgentPermissionRequest, error) {
	resp, err := c.do(ctx, http.MethodGet, "/permission", dirParams(directory, nil), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := classify(resp); err != nil {
		return nil, err
	}
	var out []ports.AgentPermissionRequest
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReplyPermission(ctx context.Context, directory, requestID string, decision domain.PermissionDecision, message string) error {
	body := map[string]any{"reply": string(decision)}
	if message != "" {
		body["message"] = message
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/permission/%s/reply", requestID), dirParams(directory, nil), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classify(resp)
}

func (c *Client) LastMessage(ctx context.Context, directory, sessionID string, limit int) ([]map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/session/%s/message", sessionID),
		dirParams(directory, url.Values{"limit": []string{strconv.Itoa(limit)}}), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := classify(resp); err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReadFile(ctx context.Context, directory, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/file", dirParams(directory, url.Values{"path": []string{path}}), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := classify(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

var _ ports.AgentClient = (*Client)(nil)
