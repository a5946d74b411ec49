// Package taskpilot is a small Go client for the TaskPilot REST API.
package taskpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Synchronous Ask calls may run for minutes, so it is generous.
const DefaultHTTPTimeout = 5 * time.Minute

// Task statuses reported by the API.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the TaskPilot API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Request is the payload for both async task submission and synchronous asks.
type Request struct {
	ID       string         `json:"id,omitempty"`
	Query    string         `json:"query"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the persisted summary of a finished task.
type Result struct {
	RequestID        string `json:"request_id,omitempty"`
	Answer           string `json:"answer"`
	Mode             string `json:"mode"`
	RouteSource      string `json:"route_source,omitempty"`
	EscalationReason string `json:"escalation_reason,omitempty"`
	Incomplete       bool   `json:"incomplete"`
	IncompleteReason string `json:"incomplete_reason,omitempty"`
	Truncated        bool   `json:"truncated"`
	Replans          int    `json:"replans"`
	Iterations       int    `json:"iterations"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	DurationMillis   int64  `json:"duration_ms"`
}

// Task is the API view of a queued request.
type Task struct {
	ID         string         `json:"id"`
	Query      string         `json:"query"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *Result        `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Done reports whether the task reached a final state. A failed task with
// retries left is still in flight.
func (t Task) Done() bool {
	switch t.Status {
	case StatusSucceeded:
		return true
	case StatusFailed:
		return t.Attempts >= t.MaxRetries
	default:
		return false
	}
}

// Answer is the response of a synchronous ask.
type Answer struct {
	RequestID        string `json:"request_id"`
	Query            string `json:"query"`
	Answer           string `json:"answer"`
	Mode             string `json:"mode"`
	RouteSource      string `json:"route_source"`
	Replans          int    `json:"replans"`
	Iterations       int    `json:"iterations"`
	Incomplete       bool   `json:"incomplete"`
	IncompleteReason string `json:"incomplete_reason,omitempty"`
	Truncated        bool   `json:"truncated"`
	DurationMillis   int64  `json:"duration_ms"`
}

// Event is one ordered progress event of a request.
type Event struct {
	RequestID  string         `json:"request_id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	StepIndex  int            `json:"step_index"`
	TotalSteps int            `json:"total_steps"`
	Message    string         `json:"message,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Stats aggregates task counts by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ListOptions filters task listings. Zero values are omitted.
type ListOptions struct {
	Limit     int
	Offset    int
	Statuses  []string
	Query     string
	HasResult *bool
	Ascending bool
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		v.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Query != "" {
		v.Set("q", o.Query)
	}
	if o.HasResult != nil {
		v.Set("has_result", strconv.FormatBool(*o.HasResult))
	}
	if o.Ascending {
		v.Set("order", "asc")
	}
	return v
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("taskpilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("taskpilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the API rooted at rawURL. When
// httpClient is nil a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitTask queues a request for asynchronous execution.
func (c *Client) SubmitTask(ctx context.Context, req Request) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", req, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasks returns tasks matching opts.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", opts.values(), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Stats returns aggregate task counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Events returns the recorded progress events of a request.
func (c *Client) Events(ctx context.Context, requestID string) ([]Event, error) {
	var events []Event
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(requestID)+"/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Ask runs a request synchronously and returns the final answer.
func (c *Client) Ask(ctx context.Context, req Request) (Answer, error) {
	var answer Answer
	if err := c.post(ctx, "/api/v1/ask", req, &answer); err != nil {
		return Answer{}, err
	}
	return answer, nil
}

// WaitForTask polls until the task is done or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
