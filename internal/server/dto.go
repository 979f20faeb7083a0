package server

import (
	"taskline/internal/domain"
	"taskline/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	ProjectID   *int64  `json:"project_id,omitempty"`
	Title       string  `json:"title" minLength:"1"`
	StatusID    *int64  `json:"status_id,omitempty"`
	AssigneeIDs []int64 `json:"assignee_ids,omitempty"`
}

type AddDependencyRequest struct {
	DependsOnTaskID int64 `json:"depends_on_task_id" minimum:"1"`
}

type UpdateStatusRequest struct {
	StatusID *int64 `json:"status_id,omitempty"`
	Status   string `json:"status,omitempty"`
}

type CreateRoleRequest struct {
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
}

type UpdateRoleRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type SetRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type BindingRequest struct {
	UserID    int64  `json:"user_id" minimum:"1"`
	RoleID    int64  `json:"role_id" minimum:"1"`
	ScopeType string `json:"scope_type,omitempty" enum:"global,project"`
	ScopeID   *int64 `json:"scope_id,omitempty"`
}

func (b BindingRequest) binding() domain.RoleBinding {
	return domain.RoleBinding{UserID: b.UserID, RoleID: b.RoleID, ScopeType: b.ScopeType, ScopeID: b.ScopeID}
}

// Response payloads

type HealthResponse struct {
	Status        string               `json:"status" example:"ok"`
	SchemaVersion int                  `json:"schema_version,omitempty"`
	LastRepair    *engine.RepairReport `json:"last_repair,omitempty"`
	RepairError   string               `json:"repair_error,omitempty"`
}

type PermissionsResponse struct {
	UserID      int64    `json:"user_id"`
	ProjectID   *int64   `json:"project_id,omitempty"`
	Permissions []string `json:"permissions"`
	IsAdmin     bool     `json:"is_admin"`
}

type CheckResponse struct {
	UserID     int64  `json:"user_id"`
	Permission string `json:"permission"`
	ProjectID  *int64 `json:"project_id,omitempty"`
	Allowed    bool   `json:"allowed"`
}

type AdminResponse struct {
	UserID  int64 `json:"user_id"`
	IsAdmin bool  `json:"is_admin"`
}

type TaskResponse struct {
	Task domain.Task `json:"task"`
}

type StatusUpdateResponse struct {
	Task    domain.Task           `json:"task"`
	Cascade *engine.CascadeResult `json:"cascade,omitempty"`
}

type DeleteTaskResponse struct {
	Cascade engine.CascadeResult `json:"cascade"`
}

type BlockingResponse struct {
	TaskID    int64                       `json:"task_id"`
	Blocking  []domain.BlockingDependency `json:"blocking"`
	IsBlocked bool                        `json:"is_blocked"`
}

type RoleList struct {
	Items []domain.Role `json:"items"`
}

type PermissionList struct {
	Items []domain.Permission `json:"items"`
}

type StatusList struct {
	Items []domain.TaskStatus `json:"items"`
}

type NotificationList struct {
	Items []domain.Notification `json:"items"`
}

type ActivityList struct {
	Items []domain.AuditEntry `json:"items"`
}

// body wraps a response payload for huma.
type body[T any] struct {
	Body T
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
