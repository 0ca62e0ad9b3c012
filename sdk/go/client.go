package conductorsdk

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

// Client is a minimal Conductor HTTP API client.
type Client struct {
	BaseURL     string
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

// RunSummary is one row of the run listing.
type RunSummary struct {
	ID          string    `json:"id"`
	Request     string    `json:"request"`
	StartedAt   time.Time `json:"started_at"`
	Finished    bool      `json:"finished"`
	Success     bool      `json:"success"`
	AbortReason string    `json:"abort_reason,omitempty"`
}

// RunStatus is the queryable view of a run.
type RunStatus struct {
	RunID     string            `json:"run_id"`
	Request   string            `json:"request"`
	Finished  bool              `json:"finished"`
	Success   bool              `json:"success"`
	Stages    map[string]string `json:"stages"`
	Elapsed   time.Duration     `json:"elapsed"`
	Conflicts []Conflict        `json:"conflicts,omitempty"`
	StartedAt time.Time         `json:"started_at"`
}

// Conflict records an escalated disagreement and its resolution.
type Conflict struct {
	ID         string   `json:"id"`
	Topic      string   `json:"topic"`
	Agents     []string `json:"agents_involved"`
	ResolverID string   `json:"resolver_id,omitempty"`
	Resolution string   `json:"resolution,omitempty"`
}

// WorkflowResult is the final outcome of a run.
type WorkflowResult struct {
	RunID           string                    `json:"run_id"`
	Success         bool                      `json:"success"`
	StagesCompleted []string                  `json:"stages_completed"`
	StagesFailed    []string                  `json:"stages_failed,omitempty"`
	Outputs         map[string]map[string]any `json:"outputs,omitempty"`
	Duration        time.Duration             `json:"duration"`
	Conflicts       []Conflict                `json:"conflicts,omitempty"`
	AbortReason     string                    `json:"abort_reason,omitempty"`
}

// Scorecard is an executor's performance read model.
type Scorecard struct {
	ExecutorID string             `json:"executor_id"`
	Averages   map[string]float64 `json:"averages"`
	Overall    float64            `json:"overall"`
	Autonomy   float64            `json:"autonomy"`
	Samples    int                `json:"samples"`
}

// Event is one entry of the append-only event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Runs lists recent runs, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	endpoint := "v0/runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Runs []RunSummary `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Runs, err
}

// RunStatus returns stage states, elapsed time and conflicts for a run.
func (c *Client) RunStatus(ctx context.Context, runID string) (RunStatus, error) {
	var resp RunStatus
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// RunResult returns the persisted WorkflowResult of a finished run.
func (c *Client) RunResult(ctx context.Context, runID string) (WorkflowResult, error) {
	var resp WorkflowResult
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID)+"/result", nil, &resp)
	return resp, err
}

// Scorecards lists every executor's scorecard.
func (c *Client) Scorecards(ctx context.Context) ([]Scorecard, error) {
	var resp struct {
		Scorecards []Scorecard `json:"scorecards"`
	}
	err := c.do(ctx, http.MethodGet, "v0/scorecards", nil, &resp)
	return resp.Scorecards, err
}

// Events returns recent events, optionally filtered by run.
func (c *Client) Events(ctx context.Context, runID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if runID != "" {
		params.Set("run_id", runID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// Health checks the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
