// Package sdk is a small Go client for the praetor HTTP API.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a praetor server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL, e.g. "http://127.0.0.1:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewWithHTTPClient creates a client with a caller-supplied http.Client.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, http: hc}
}

// CheckInput is the request body for both check calls.
type CheckInput struct {
	RequestID  string   `json:"request_id,omitempty"`
	Text       string   `json:"text"`
	AgentID    string   `json:"agent_id"`
	UserID     string   `json:"user_id,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Guardrails []string `json:"guardrails,omitempty"`
}

// Verdict is one guardrail's finding. Detail is kind-specific and left raw
// for callers that want to dig in.
type Verdict struct {
	Kind       string          `json:"kind"`
	Flagged    bool            `json:"flagged"`
	Confidence float64         `json:"confidence"`
	Origin     string          `json:"origin"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// CheckOutput is the server's evaluation response.
type CheckOutput struct {
	RequestID        string    `json:"request_id"`
	AgentID          string    `json:"agent_id"`
	Status           string    `json:"status"`
	OriginalText     string    `json:"original_text"`
	SafeText         string    `json:"safe_text"`
	Verdicts         []Verdict `json:"verdicts"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
	Allowed          bool      `json:"allowed"`
	Degraded         bool      `json:"degraded"`
	AuditRecorded    bool      `json:"audit_recorded"`
}

// CheckPrompt evaluates an inbound prompt.
func (c *Client) CheckPrompt(ctx context.Context, in CheckInput) (CheckOutput, error) {
	var out CheckOutput
	err := c.post(ctx, "/v1/check", in, &out)
	return out, err
}

// CheckResponse evaluates an agent's candidate reply before release.
func (c *Client) CheckResponse(ctx context.Context, in CheckInput) (CheckOutput, error) {
	var out CheckOutput
	err := c.post(ctx, "/v1/check-output", in, &out)
	return out, err
}

// AgentStats is the per-agent aggregate view.
type AgentStats struct {
	AgentID       string           `json:"agent_id"`
	TotalRequests int64            `json:"total_requests"`
	Passed        int64            `json:"passed"`
	Flagged       int64            `json:"flagged"`
	Blocked       int64            `json:"blocked"`
	Inconclusive  int64            `json:"inconclusive"`
	Incidents     int64            `json:"incidents"`
	Degraded      int64            `json:"degraded"`
	DistinctUsers int64            `json:"distinct_users"`
	Categories    map[string]int64 `json:"categories,omitempty"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
	IncidentRate  float64          `json:"incident_rate"`
}

// Agent fetches the live aggregates for one agent.
func (c *Client) Agent(ctx context.Context, agentID string) (AgentStats, error) {
	var out AgentStats
	err := c.get(ctx, "/v1/agents/"+agentID+"/stats", &out)
	return out, err
}

// DepartmentStats is one leaderboard entry.
type DepartmentStats struct {
	Department    string `json:"department"`
	TotalRequests int64  `json:"total_requests"`
	Incidents     int64  `json:"incidents"`
	ActiveAgents  int64  `json:"active_agents"`
}

// Leaderboard fetches the department leaderboard over the trailing window.
func (c *Client) Leaderboard(ctx context.Context, window time.Duration, limit int) ([]DepartmentStats, error) {
	var out struct {
		Leaderboard []DepartmentStats `json:"leaderboard"`
	}
	path := fmt.Sprintf("/v1/leaderboard?window=%s&limit=%d", window, limit)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Leaderboard, nil
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/health", &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("unexpected health status %q", out.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s (status %d)", req.URL.Path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
