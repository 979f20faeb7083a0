package domain

import "strings"

// Legacy status strings still written alongside the dynamic status reference.
const (
	StatusPending   = "pending"
	StatusWaiting   = "waiting"
	StatusCompleted = "completed"
)

// Binding scope types. A NULL scope type in storage is read as ScopeGlobal.
const (
	ScopeGlobal  = "global"
	ScopeProject = "project"
)

type Permission struct {
	ID          int64  `json:"id"`
	Key         string `json:"key"`
	Module      string `json:"module"`
	Category    string `json:"category,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Role struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	IsSystemRole     bool   `json:"is_system_role"`
	PermissionsCount int    `json:"permissions_count"`
	UsersCount       int    `json:"users_count"`
}

// RoleBinding assigns a role to a user at a scope. ScopeID is nil for global bindings.
type RoleBinding struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	RoleID    int64  `json:"role_id"`
	RoleName  string `json:"role_name"`
	ScopeType string `json:"scope_type"`
	ScopeID   *int64 `json:"scope_id,omitempty"`
	// Permissions holds the role's permission keys, expanded on read.
	Permissions map[string]struct{} `json:"-"`
}

// Scope narrows a permission check. The zero value is the global scope.
type Scope struct {
	ProjectID *int64
}

func GlobalScope() Scope { return Scope{} }

func ProjectScope(projectID int64) Scope { return Scope{ProjectID: &projectID} }

func (s Scope) IsGlobal() bool { return s.ProjectID == nil }

type TaskStatus struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	IsDefault  bool   `json:"is_default"`
	IsFinal    bool   `json:"is_final"`
	IsBlocking bool   `json:"is_blocking"`
	OrderIndex int    `json:"order_index"`
	IsActive   bool   `json:"is_active"`
}

// LegacyLabel is the legacy status string written next to a dynamic status.
func (s TaskStatus) LegacyLabel() string {
	switch {
	case s.IsBlocking:
		return StatusWaiting
	case s.IsFinal && strings.EqualFold(s.Name, StatusCompleted):
		return StatusCompleted
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s.Name)), " ", "_")
}

type Task struct {
	ID            int64       `json:"id"`
	ProjectID     *int64      `json:"project_id,omitempty"`
	Title         string      `json:"title"`
	Status        string      `json:"status"`
	TaskStatusID  *int64      `json:"task_status_id,omitempty"`
	TaskStatus    *TaskStatus `json:"task_status,omitempty"`
	EngineBlocked bool        `json:"engine_blocked"`
	CreatedByID   int64       `json:"created_by_id"`
	AssigneeIDs   []int64     `json:"assignee_ids,omitempty"`
	CompletedAt   *string     `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt     string      `json:"updated_at" format:"date-time"`
}

// Resolved reports whether the task counts as complete for dependency resolution.
func (t Task) Resolved() bool {
	if t.TaskStatus != nil {
		return t.TaskStatus.IsFinal
	}
	return t.Status == StatusCompleted
}

// Blocking reports whether the task is currently in a blocking status.
func (t Task) Blocking() bool {
	if t.TaskStatus != nil {
		return t.TaskStatus.IsBlocking
	}
	return t.Status == StatusWaiting
}

// DisplayStatus prefers the dynamic status name.
func (t Task) DisplayStatus() string {
	if t.TaskStatus != nil {
		return t.TaskStatus.Name
	}
	return t.Status
}

// Scope is the permission scope that governs the task.
func (t Task) Scope() Scope {
	if t.ProjectID == nil {
		return GlobalScope()
	}
	return ProjectScope(*t.ProjectID)
}

type Dependency struct {
	TaskID          int64  `json:"task_id"`
	DependsOnTaskID int64  `json:"depends_on_task_id"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// BlockingDependency is an unresolved dependency as shown to callers.
type BlockingDependency struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type Notification struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	LinkURL   string `json:"link_url,omitempty"`
	DedupeKey string `json:"dedupe_key,omitempty"`
	IsRead    bool   `json:"is_read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AuditEntry struct {
	ID             int64          `json:"id"`
	ActionType     string         `json:"action_type"`
	ActionCategory string         `json:"action_category"`
	EntityType     string         `json:"entity_type"`
	EntityID       int64          `json:"entity_id"`
	ProjectID      *int64         `json:"project_id,omitempty"`
	PerformedByID  int64          `json:"performed_by_id"`
	AffectedUserID *int64         `json:"affected_user_id,omitempty"`
	Summary        string         `json:"summary"`
	Details        map[string]any `json:"details,omitempty"`
	DedupeKey      string         `json:"dedupe_key,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
