package chainpilot

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
	"sync"
	"time"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/explorer"
	"ChainPilot/internal/task"
	"ChainPilot/internal/workflow"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the ChainPilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainpilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainpilot api error (%d): %s", e.StatusCode, e.Message)
}

// TaskFilter narrows ListTasks and TaskStats.
type TaskFilter struct {
	Statuses  []task.Status
	Limit     int
	Offset    int
	Since     time.Time
	Until     time.Time
	HasResult *bool
	Ascending bool
	Query     string
}

func (f TaskFilter) values() url.Values {
	v := url.Values{}
	if len(f.Statuses) > 0 {
		parts := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			parts = append(parts, string(s))
		}
		v.Set("status", strings.Join(parts, ","))
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	if !f.Since.IsZero() {
		v.Set("since", strconv.FormatInt(f.Since.Unix(), 10))
	}
	if !f.Until.IsZero() {
		v.Set("until", strconv.FormatInt(f.Until.Unix(), 10))
	}
	if f.HasResult != nil {
		v.Set("has_result", strconv.FormatBool(*f.HasResult))
	}
	if f.Ascending {
		v.Set("order", "asc")
	}
	if f.Query != "" {
		v.Set("q", f.Query)
	}
	return v
}

// NewClient creates a client for the API rooted at rawURL.
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

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// SubmitTask queues an instruction for asynchronous execution.
func (c *Client) SubmitTask(ctx context.Context, req agent.TaskRequest) (*task.Task, error) {
	var out task.Task
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var out task.Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks lists tasks matching filter.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	var out struct {
		Tasks []*task.Task `json:"tasks"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks", filter.values(), nil, &out, false); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// TaskStats aggregates tasks matching filter.
func (c *Client) TaskStats(ctx context.Context, filter TaskFilter) (task.TaskStats, error) {
	var out task.TaskStats
	err := c.send(ctx, http.MethodGet, "/api/v1/tasks/stats", filter.values(), nil, &out, false)
	return out, err
}

// WaitForTask polls until the task leaves pending/running or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, id string, interval time.Duration) (*task.Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status == task.StatusSucceeded || t.Status == task.StatusFailed {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExploreContract analyzes one contract. Failed explorations return the
// result body together with an *APIError.
func (c *Client) ExploreContract(ctx context.Context, address string, includeTools bool) (*explorer.Result, error) {
	query := url.Values{}
	if includeTools {
		query.Set("tools", "true")
	}
	var out explorer.Result
	err := c.send(ctx, http.MethodGet, "/api/v1/contracts/"+url.PathEscape(address), query, nil, &out, true)
	return &out, err
}

// Workflows lists registered workflow definitions.
func (c *Client) Workflows(ctx context.Context) ([]*workflow.Definition, error) {
	var out struct {
		Workflows []*workflow.Definition `json:"workflows"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/workflows", nil, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// ExecuteWorkflow runs a workflow synchronously. Failed runs return the result
// body together with an *APIError.
func (c *Client) ExecuteWorkflow(ctx context.Context, workflowID string, params map[string]any) (*workflow.Result, error) {
	body := map[string]any{"parameters": params}
	var out workflow.Result
	err := c.send(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(workflowID)+"/executions", nil, body, &out, true)
	return &out, err
}

// Execution fetches a workflow execution snapshot.
func (c *Client) Execution(ctx context.Context, id string) (*workflow.Execution, error) {
	var out workflow.Execution
	if err := c.send(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelExecution requests cooperative cancellation.
func (c *Client) CancelExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	var out workflow.Execution
	if err := c.send(ctx, http.MethodDelete, "/api/v1/executions/"+url.PathEscape(id), nil, nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any, resultOnError bool) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			return apiErr
		}
		if resultOnError && out != nil && json.Unmarshal(data, out) == nil {
			var summary struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(data, &summary)
			apiErr.Message = summary.Error
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
