package rollupsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal rollup HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		ActorID:  actorID,
		Timeout:  10 * time.Second,
	}
}

type Customer struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	StartDate   *string `json:"start_date,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Progress    int     `json:"progress"`
	Version     int     `json:"version"`
}

type Task struct {
	ID          string  `json:"id"`
	CustomerID  string  `json:"customer_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	DueDate     string  `json:"due_date"`
	Sequence    int     `json:"sequence"`
	Progress    int     `json:"progress"`
	CompletedAt *string `json:"completed_at,omitempty"`
	CompletedBy *string `json:"completed_by,omitempty"`
	Version     int     `json:"version"`
}

type Subtask struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	CustomerID  string  `json:"customer_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	DueDate     string  `json:"due_date"`
	Sequence    int     `json:"sequence"`
	CompletedAt *string `json:"completed_at,omitempty"`
	CompletedBy *string `json:"completed_by,omitempty"`
	Version     int     `json:"version"`
}

// Step is one parent recomputation triggered by a write.
type Step struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Progress int    `json:"progress"`
	Changed  bool   `json:"changed"`
}

// Propagation reports the cascade that followed a write. A non-nil Failure
// means the write succeeded but a parent could not be recomputed.
type Propagation struct {
	Steps   []Step `json:"steps"`
	Failure *struct {
		Step     string `json:"step"`
		EntityID string `json:"entity_id"`
		Error    string `json:"error"`
	} `json:"failure,omitempty"`
}

type TaskWrite struct {
	Task        Task        `json:"task"`
	Propagation Propagation `json:"propagation"`
}

type SubtaskWrite struct {
	Subtask     Subtask     `json:"subtask"`
	Propagation Propagation `json:"propagation"`
}

// ChildInput creates a task or subtask. Sequence 0 takes the next free slot.
type ChildInput struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
	DueDate     string `json:"due_date"`
	Sequence    int    `json:"sequence,omitempty"`
}

type RecalcResult struct {
	Kind              string `json:"kind"`
	ID                string `json:"id"`
	TotalRecalculated int    `json:"total_recalculated"`
	Changed           int    `json:"changed"`
}

type Drift struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Stored    int    `json:"stored"`
	Expected  int    `json:"expected"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CustomerID string         `json:"customer_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCustomer creates a customer with the given name and status.
func (c *Client) CreateCustomer(ctx context.Context, name, status string) (Customer, error) {
	body := map[string]any{"name": name}
	if status != "" {
		body["status"] = status
	}
	var resp Customer
	err := c.do(ctx, http.MethodPost, "customers", body, &resp)
	return resp, err
}

func (c *Client) GetCustomer(ctx context.Context, id string) (Customer, error) {
	var resp Customer
	err := c.do(ctx, http.MethodGet, "customers/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CreateTask(ctx context.Context, customerID string, in ChildInput) (TaskWrite, error) {
	var resp TaskWrite
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("customers/%s/tasks", url.PathEscape(customerID)), in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks returns a customer's tasks in sequence order.
func (c *Client) ListTasks(ctx context.Context, customerID string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("customers/%s/tasks", url.PathEscape(customerID)), nil, &resp)
	return resp.Items, err
}

func (c *Client) SetTaskStatus(ctx context.Context, id, status string) (TaskWrite, error) {
	var resp TaskWrite
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("tasks/%s/status", url.PathEscape(id)), map[string]any{"status": status}, &resp)
	return resp, err
}

// SetTaskProgress sets progress manually on a task without subtasks.
func (c *Client) SetTaskProgress(ctx context.Context, id string, progress int) (TaskWrite, error) {
	var resp TaskWrite
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("tasks/%s/progress", url.PathEscape(id)), map[string]any{"progress": progress}, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) (TaskWrite, error) {
	var resp TaskWrite
	err := c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CreateSubtask(ctx context.Context, taskID string, in ChildInput) (SubtaskWrite, error) {
	return c.CreateSubtaskForCustomer(ctx, "", taskID, in)
}

// CreateSubtaskForCustomer creates a subtask only if the task belongs to
// customerID; otherwise the API answers 404.
func (c *Client) CreateSubtaskForCustomer(ctx context.Context, customerID, taskID string, in ChildInput) (SubtaskWrite, error) {
	endpoint := fmt.Sprintf("tasks/%s/subtasks", url.PathEscape(taskID))
	if customerID != "" {
		endpoint += "?" + url.Values{"customer_id": {customerID}}.Encode()
	}
	var resp SubtaskWrite
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

func (c *Client) ListSubtasks(ctx context.Context, taskID string) ([]Subtask, error) {
	var resp struct {
		Items []Subtask `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/subtasks", url.PathEscape(taskID)), nil, &resp)
	return resp.Items, err
}

func (c *Client) SetSubtaskStatus(ctx context.Context, id, status string) (SubtaskWrite, error) {
	var resp SubtaskWrite
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("subtasks/%s/status", url.PathEscape(id)), map[string]any{"status": status}, &resp)
	return resp, err
}

// MoveSubtask re-parents a subtask; both old and new tasks are recomputed.
func (c *Client) MoveSubtask(ctx context.Context, id, taskID string) (SubtaskWrite, error) {
	var resp SubtaskWrite
	err := c.do(ctx, http.MethodPatch, "subtasks/"+url.PathEscape(id), map[string]any{"task_id": taskID}, &resp)
	return resp, err
}

func (c *Client) DeleteSubtask(ctx context.Context, id string) (SubtaskWrite, error) {
	var resp SubtaskWrite
	err := c.do(ctx, http.MethodDelete, "subtasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Recalculate recomputes a customer or task subtree. kind is "customer" or "task".
func (c *Client) Recalculate(ctx context.Context, kind, id string) (RecalcResult, error) {
	var resp RecalcResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("%ss/%s/recalculate", kind, url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) Drift(ctx context.Context, customerID string) ([]Drift, error) {
	var resp struct {
		Items []Drift `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("customers/%s/drift", url.PathEscape(customerID)), nil, &resp)
	return resp.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, customerID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if customerID != "" {
		q.Set("customer_id", customerID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
