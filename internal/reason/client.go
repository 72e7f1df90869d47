// Package reason is the HTTP client for the external reasoning backend.
// The backend plans and executes goals; reflex only caches and routes. The
// same service synthesizes routine code during crystallization.
package reason

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"reflex/internal/dispatch"
	"reflex/internal/store"
)

// Config holds the backend endpoint settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to a reasoning backend over HTTP. It implements the
// dispatcher's Reasoner and the crystallizer's Synthesizer.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a backend client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type guidanceHint struct {
	GoalText   string       `json:"goal_text"`
	Steps      []store.Step `json:"steps"`
	Confidence float64      `json:"confidence"`
}

type reasonRequest struct {
	Goal     string        `json:"goal"`
	Guidance *guidanceHint `json:"guidance,omitempty"`
}

type reasonResponse struct {
	Success    bool         `json:"success"`
	Steps      []store.Step `json:"steps"`
	Output     string       `json:"output"`
	Cost       float64      `json:"cost"`
	DurationMs int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
}

// Reason asks the backend to plan and execute a goal. A non-nil guidance
// trace is forwarded as a hint.
func (c *Client) Reason(ctx context.Context, goal string, guidance *store.Trace) (*dispatch.Outcome, error) {
	req := reasonRequest{Goal: goal}
	if guidance != nil {
		req.Guidance = &guidanceHint{
			GoalText:   guidance.GoalText,
			Steps:      guidance.Steps,
			Confidence: guidance.Confidence,
		}
	}

	var resp reasonResponse
	if err := c.post(ctx, "/v1/reason", req, &resp); err != nil {
		return nil, err
	}

	outcome := &dispatch.Outcome{
		Success:  resp.Success,
		Steps:    resp.Steps,
		Output:   resp.Output,
		Cost:     resp.Cost,
		Duration: time.Duration(resp.DurationMs) * time.Millisecond,
	}
	if !resp.Success {
		outcome.Err = errors.New(resp.Error)
	}
	return outcome, nil
}

type synthesizeRequest struct {
	GoalText string       `json:"goal_text"`
	Steps    []store.Step `json:"steps"`
}

type synthesizeResponse struct {
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
}

// Synthesize asks the backend to turn a trace into routine source code. The
// result still goes through structural validation before installation.
func (c *Client) Synthesize(ctx context.Context, trace *store.Trace) (string, error) {
	req := synthesizeRequest{GoalText: trace.GoalText, Steps: trace.Steps}

	var resp synthesizeResponse
	if err := c.post(ctx, "/v1/synthesize", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("backend refused synthesis: %s", resp.Error)
	}
	return resp.Code, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("no reasoning backend configured (set reasoner.base_url or REFLEX_REASONER_URL)")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("reasoning backend unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("reasoning backend returned %d: %s", httpResp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
