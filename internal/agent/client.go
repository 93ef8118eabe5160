// Package agent is a client for the external agent job API.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the hosted job API
const DefaultBaseURL = "https://api.subconscious.dev/v1"

// Client starts and polls agent runs
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a job API client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Configured reports whether a credential is present
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// StartRequest is the body of a run start call
type StartRequest struct {
	Engine string `json:"engine"`
	Input  Input  `json:"input"`
}

// Input carries the instructions and tool descriptors of a run
type Input struct {
	Instructions string            `json:"instructions"`
	Tools        []json.RawMessage `json:"tools"`
}

// Run is the job API view of a run
type Run struct {
	RunID  string          `json:"runId"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Usage  json.RawMessage `json:"usage,omitempty"`
}

// Pending reports whether the job API still considers the run in progress
func (r *Run) Pending() bool {
	return r.Status == "running" || r.Status == "queued"
}

// StatusError is returned for a non-2xx response. Body holds the raw response text.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("job api returned status %d: %s", e.StatusCode, e.Body)
}

// StartRun starts a run and returns its ID
func (c *Client) StartRun(ctx context.Context, req StartRequest) (string, error) {
	if req.Input.Tools == nil {
		req.Input.Tools = []json.RawMessage{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var run Run
	if err := c.do(ctx, http.MethodPost, "/runs", payload, &run); err != nil {
		return "", err
	}
	if run.RunID == "" {
		return "", fmt.Errorf("job api returned no run id")
	}
	return run.RunID, nil
}

// GetRun fetches the current state of a run
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/runs/"+runID, nil, &run); err != nil {
		return nil, err
	}
	if run.RunID == "" {
		run.RunID = runID
	}
	return &run, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
