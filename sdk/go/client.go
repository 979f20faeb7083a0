package tasklinesdk

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

// Client is a minimal Taskline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// UserID is sent as X-User-Id when neither credential is set. Servers
	// accept it only with the legacy header enabled.
	UserID     int64
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// TaskStatus is a configured status.
type TaskStatus struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	IsFinal    bool   `json:"is_final"`
	IsBlocking bool   `json:"is_blocking"`
	IsActive   bool   `json:"is_active"`
}

// Task represents the API task model (partial).
type Task struct {
	ID            int64       `json:"id"`
	ProjectID     *int64      `json:"project_id,omitempty"`
	Title         string      `json:"title"`
	Status        string      `json:"status"`
	TaskStatusID  *int64      `json:"task_status_id,omitempty"`
	TaskStatus    *TaskStatus `json:"task_status,omitempty"`
	EngineBlocked bool        `json:"engine_blocked"`
}

// BlockingDependency is an unresolved dependency.
type BlockingDependency struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Blocking lists what keeps a task from proceeding.
type Blocking struct {
	TaskID    int64                `json:"task_id"`
	Blocking  []BlockingDependency `json:"blocking"`
	IsBlocked bool                 `json:"is_blocked"`
}

// Cascade reports dependents re-evaluated after a completion or deletion.
type Cascade struct {
	TaskID    int64   `json:"task_id"`
	Evaluated []int64 `json:"evaluated"`
	Unblocked []int64 `json:"unblocked"`
	Failures  []struct {
		DependentID int64  `json:"dependent_id"`
		Error       string `json:"error"`
	} `json:"failures,omitempty"`
}

// StatusChange is the result of a status update.
type StatusChange struct {
	Task    Task     `json:"task"`
	Cascade *Cascade `json:"cascade,omitempty"`
}

// Permissions is the effective permission list at a scope.
type Permissions struct {
	UserID      int64    `json:"user_id"`
	ProjectID   *int64   `json:"project_id,omitempty"`
	Permissions []string `json:"permissions"`
	IsAdmin     bool     `json:"is_admin"`
}

// Role is a named permission bundle.
type Role struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	IsSystemRole     bool   `json:"is_system_role"`
	PermissionsCount int    `json:"permissions_count"`
	UsersCount       int    `json:"users_count"`
}

// Binding assigns a role to a user. ScopeID is nil for global bindings.
type Binding struct {
	ID        int64  `json:"id,omitempty"`
	UserID    int64  `json:"user_id"`
	RoleID    int64  `json:"role_id"`
	RoleName  string `json:"role_name,omitempty"`
	ScopeType string `json:"scope_type,omitempty"`
	ScopeID   *int64 `json:"scope_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task, optionally inside a project.
func (c *Client) CreateTask(ctx context.Context, title string, projectID *int64, assignees ...int64) (Task, error) {
	body := map[string]any{"title": title}
	if projectID != nil {
		body["project_id"] = *projectID
	}
	if len(assignees) > 0 {
		body["assignee_ids"] = assignees
	}
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp.Task, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", id), nil, &resp)
	return resp.Task, err
}

// AddDependency makes taskID depend on dependsOnID and returns the updated task.
func (c *Client) AddDependency(ctx context.Context, taskID, dependsOnID int64) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/dependencies", taskID), map[string]any{"depends_on_task_id": dependsOnID}, &resp)
	return resp.Task, err
}

func (c *Client) RemoveDependency(ctx context.Context, taskID, dependsOnID int64) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("tasks/%d/dependencies/%d", taskID, dependsOnID), nil, &resp)
	return resp.Task, err
}

func (c *Client) BlockingDependencies(ctx context.Context, taskID int64) (Blocking, error) {
	var resp Blocking
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d/dependencies", taskID), nil, &resp)
	return resp, err
}

// SetStatus moves a task to a configured status by id.
func (c *Client) SetStatus(ctx context.Context, taskID, statusID int64) (StatusChange, error) {
	var resp StatusChange
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%d/status", taskID), map[string]any{"status_id": statusID}, &resp)
	return resp, err
}

func (c *Client) Unblock(ctx context.Context, taskID int64) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/unblock", taskID), nil, &resp)
	return resp.Task, err
}

func (c *Client) DeleteTask(ctx context.Context, taskID int64) (Cascade, error) {
	var resp struct {
		Cascade Cascade `json:"cascade"`
	}
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("tasks/%d", taskID), nil, &resp)
	return resp.Cascade, err
}

// Statuses lists active task statuses.
func (c *Client) Statuses(ctx context.Context) ([]TaskStatus, error) {
	var resp struct {
		Items []TaskStatus `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "task-statuses", nil, &resp)
	return resp.Items, err
}

// MyPermissions returns the caller's permissions; a nil project means global.
func (c *Client) MyPermissions(ctx context.Context, projectID *int64) (Permissions, error) {
	endpoint := "me/permissions"
	if projectID != nil {
		endpoint += "?project_id=" + strconv.FormatInt(*projectID, 10)
	}
	var resp Permissions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Check reports whether userID holds perm at the scope. A zero userID checks the caller.
func (c *Client) Check(ctx context.Context, userID int64, perm string, projectID *int64) (bool, error) {
	q := url.Values{}
	q.Set("permission", perm)
	if userID > 0 {
		q.Set("user_id", strconv.FormatInt(userID, 10))
	}
	if projectID != nil {
		q.Set("project_id", strconv.FormatInt(*projectID, 10))
	}
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	err := c.do(ctx, http.MethodGet, "rbac/check?"+q.Encode(), nil, &resp)
	return resp.Allowed, err
}

func (c *Client) Roles(ctx context.Context) ([]Role, error) {
	var resp struct {
		Items []Role `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "rbac/roles", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateRole(ctx context.Context, name, description string) (Role, error) {
	var resp Role
	err := c.do(ctx, http.MethodPost, "rbac/roles", map[string]any{"name": name, "description": description}, &resp)
	return resp, err
}

func (c *Client) SetRolePermissions(ctx context.Context, roleID int64, keys []string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("rbac/roles/%d/permissions", roleID), map[string]any{"permissions": keys}, nil)
}

func (c *Client) Grant(ctx context.Context, b Binding) (Binding, error) {
	var resp Binding
	err := c.do(ctx, http.MethodPost, "rbac/bindings/grant", b, &resp)
	return resp, err
}

func (c *Client) Revoke(ctx context.Context, b Binding) error {
	return c.do(ctx, http.MethodPost, "rbac/bindings/revoke", b, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.UserID > 0:
		req.Header.Set("X-User-Id", strconv.FormatInt(c.UserID, 10))
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
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
