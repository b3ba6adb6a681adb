package agentdashsdk

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

// Client is a minimal agentdash HTTP API client bound to one project.
type Client struct {
	BaseURL    string
	BasePath   string
	ProjectID  int64
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string, projectID int64) *Client {
	return &Client{
		BaseURL:   baseURL,
		BasePath:  "/v0",
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID         int64  `json:"id"`
	ProjectID  int64  `json:"projectId"`
	ParentID   *int64 `json:"parentId,omitempty"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Priority   string `json:"priority"`
	AssignedTo *int64 `json:"assignedTo,omitempty"`
	Progress   int    `json:"progress"`
	IsFeature  bool   `json:"isFeature"`
}

// Log represents a journal entry.
type Log struct {
	ID            int64  `json:"id"`
	ProjectID     *int64 `json:"projectId,omitempty"`
	AgentID       *int64 `json:"agentId,omitempty"`
	TargetAgentID *int64 `json:"targetAgentId,omitempty"`
	Type          string `json:"type"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp"`
}

// Job represents a queued unit of work.
type Job struct {
	ID          string  `json:"id"`
	Queue       string  `json:"queue"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"maxAttempts"`
	LastError   *string `json:"lastError,omitempty"`
}

// Accepted is returned when the API queues work.
type Accepted struct {
	JobID string `json:"jobId"`
	Log   *Log   `json:"log,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// MessageOptions address a message. Zero values mean user author and coordinator answer.
type MessageOptions struct {
	AgentID       *int64
	TargetAgentID *int64
}

// SendMessage posts a message into the project conversation.
func (c *Client) SendMessage(ctx context.Context, message string, opts MessageOptions) (Accepted, error) {
	body := map[string]any{"message": message}
	if opts.AgentID != nil {
		body["agentId"] = *opts.AgentID
	}
	if opts.TargetAgentID != nil {
		body["targetAgentId"] = *opts.TargetAgentID
	}
	var resp Accepted
	err := c.do(ctx, http.MethodPost, c.projectPath("messages"), body, &resp)
	return resp, err
}

// CreateTask creates a task in the project.
func (c *Client) CreateTask(ctx context.Context, title string, assignee *int64) (Task, error) {
	body := map[string]any{"title": title}
	if assignee != nil {
		body["assignedTo"] = *assignee
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// RunTask queues a task run. A nil agentID lets the server use the assignee.
func (c *Client) RunTask(ctx context.Context, taskID int64, agentID *int64) (Accepted, error) {
	body := map[string]any{}
	if agentID != nil {
		body["agentId"] = *agentID
	}
	var resp Accepted
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/run", taskID), body, &resp)
	return resp, err
}

// ListLogs returns the latest project logs in chronological order.
func (c *Client) ListLogs(ctx context.Context, logType string, limit int) ([]Log, error) {
	q := url.Values{}
	if logType != "" {
		q.Set("type", logType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := c.projectPath("logs")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Log
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetJob returns a queued job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
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

func (c *Client) projectPath(p string) string {
	return fmt.Sprintf("projects/%d/%s", c.ProjectID, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
