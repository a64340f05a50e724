package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Owner     string `json:"owner"`
}

// GateResult is the governance verdict attached to a routed request.
type GateResult struct {
	Verdict                  string   `json:"verdict"`
	RequiresGovernanceReview bool     `json:"requires_governance_review"`
	Flags                    []string `json:"flags,omitempty"`
	Reason                   string   `json:"reason,omitempty"`
}

// RouteResult is the outcome of routing one request. Task is nil when the
// gate denies.
type RouteResult struct {
	Output map[string]any `json:"output,omitempty"`
	Gate   GateResult     `json:"gate"`
	Task   *Task          `json:"task,omitempty"`
}

// PopResult is the outcome of a queue pop.
type PopResult struct {
	OK          bool   `json:"ok"`
	Code        string `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	HILRequired bool   `json:"hil_required,omitempty"`
	Task        *Task  `json:"task,omitempty"`
}

// ExecuteResult is the outcome of one pop-dispatch-close cycle.
type ExecuteResult struct {
	OK          bool   `json:"ok"`
	Code        string `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	FailureType string `json:"failure_type,omitempty"`
	HILRequired bool   `json:"hil_required,omitempty"`
	Task        *Task  `json:"task,omitempty"`
	ArtifactID  string `json:"artifact_id,omitempty"`
}

// Action represents a ledger entry.
type Action struct {
	ID        string         `json:"id"`
	TS        string         `json:"ts"`
	SessionID string         `json:"session_id,omitempty"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor"`
	Status    string         `json:"status"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Route submits a work request for classification and gating.
func (c *Client) Route(ctx context.Context, request map[string]any) (RouteResult, error) {
	body := map[string]any{"request": request}
	var resp RouteResult
	err := c.do(ctx, http.MethodPost, "v0/route", body, &resp)
	return resp, err
}

// PopNext claims the next eligible task.
func (c *Client) PopNext(ctx context.Context, sessionID, owner string) (PopResult, error) {
	body := map[string]any{}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	if owner != "" {
		body["owner"] = owner
	}
	var resp PopResult
	err := c.do(ctx, http.MethodPost, "v0/tasks/next", body, &resp)
	return resp, err
}

// ExecuteNext runs one pop-dispatch-close cycle.
func (c *Client) ExecuteNext(ctx context.Context, sessionID, owner string) (ExecuteResult, error) {
	body := map[string]any{}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	if owner != "" {
		body["owner"] = owner
	}
	var resp ExecuteResult
	err := c.do(ctx, http.MethodPost, "v0/tasks/execute", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CloseTask closes an in-progress task.
func (c *Client) CloseTask(ctx context.Context, id, reason, artifactID string) (Task, error) {
	body := map[string]any{"reason": reason}
	if artifactID != "" {
		body["artifact_id"] = artifactID
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/close", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StopLoss applies the stop-loss gate to a task after a dispatch failure.
func (c *Client) StopLoss(ctx context.Context, id, failureType, reason, step string) (Task, error) {
	body := map[string]any{
		"failure_type": failureType,
		"reason":       reason,
	}
	if step != "" {
		body["step"] = step
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/stop-loss", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Review applies a human review decision (retry, close or reject) to a
// blocked task.
func (c *Client) Review(ctx context.Context, id, decision, reason string) (Task, error) {
	body := map[string]any{"decision": decision}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/review", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Actions returns recent ledger entries.
func (c *Client) Actions(ctx context.Context, limit int) ([]Action, error) {
	endpoint := "v0/log"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Actions []Action `json:"actions"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Actions, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
