package engine

import (
	"context"
	"fmt"
	"strings"

	"taskline/internal/domain"
)

const (
	PermRoleCreate            = "role.create"
	PermRoleRead              = "role.read"
	PermRoleUpdate            = "role.update"
	PermRoleDelete            = "role.delete"
	PermRoleAssign            = "role.assign"
	PermRoleManagePermissions = "role.manage_permissions"
)

// CreateRole adds a non-system role with no permissions.
func (e Engine) CreateRole(ctx context.Context, name, description string, actorID int64) (domain.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if err := e.Auth.Require(ctx, actorID, PermRoleCreate, domain.GlobalScope()); err != nil {
		return domain.Role{}, err
	}
	role, err := e.Repo.CreateRole(ctx, name, description)
	if err != nil {
		return domain.Role{}, err
	}
	e.auditRole(ctx, "ROLE_CREATED", role, actorID, nil, map[string]any{"name": role.Name})
	return role, nil
}

func (e Engine) UpdateRole(ctx context.Context, id int64, name, description *string, actorID int64) (domain.Role, error) {
	if name != nil && strings.TrimSpace(*name) == "" {
		return domain.Role{}, fmt.Errorf("%w: role name cannot be empty", ErrInvalidInput)
	}
	if err := e.Auth.Require(ctx, actorID, PermRoleUpdate, domain.GlobalScope()); err != nil {
		return domain.Role{}, err
	}
	role, err := e.Repo.UpdateRole(ctx, id, name, description)
	if err != nil {
		return domain.Role{}, err
	}
	e.auditRole(ctx, "ROLE_UPDATED", role, actorID, nil, map[string]any{"name": role.Name})
	return role, nil
}

// DeleteRole removes a role and its bindings. System roles are refused.
func (e Engine) DeleteRole(ctx context.Context, id, actorID int64) error {
	if err := e.Auth.Require(ctx, actorID, PermRoleDelete, domain.GlobalScope()); err != nil {
		return err
	}
	role, err := e.Repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	e.auditRole(ctx, "ROLE_DELETED", role, actorID, nil, map[string]any{"name": role.Name})
	return nil
}

// SetRolePermissions replaces the role's permission set.
func (e Engine) SetRolePermissions(ctx context.Context, roleID int64, keys []string, actorID int64) ([]domain.Permission, error) {
	if err := e.Auth.Require(ctx, actorID, PermRoleManagePermissions, domain.GlobalScope()); err != nil {
		return nil, err
	}
	role, err := e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.SetRolePermissions(ctx, roleID, keys); err != nil {
		return nil, err
	}
	perms, err := e.Repo.RolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	e.auditRole(ctx, "ROLE_PERMISSIONS_UPDATED", role, actorID, nil, map[string]any{"permissions": keys})
	return perms, nil
}

// GrantRole binds a role to a user. Project bindings are authorized at that
// project, so a project-scoped role.assign holder can staff their own project.
func (e Engine) GrantRole(ctx context.Context, b domain.RoleBinding, actorID int64) (domain.RoleBinding, error) {
	if err := e.Auth.Require(ctx, actorID, PermRoleAssign, bindingScope(b)); err != nil {
		return domain.RoleBinding{}, err
	}
	role, err := e.Repo.GetRole(ctx, b.RoleID)
	if err != nil {
		return domain.RoleBinding{}, err
	}
	out, err := e.Repo.GrantRole(ctx, b)
	if err != nil {
		return domain.RoleBinding{}, err
	}
	out.RoleName = role.Name
	e.auditRole(ctx, "ROLE_ASSIGNED", role, actorID, &out, nil)
	return out, nil
}

func (e Engine) RevokeRole(ctx context.Context, b domain.RoleBinding, actorID int64) error {
	if err := e.Auth.Require(ctx, actorID, PermRoleAssign, bindingScope(b)); err != nil {
		return err
	}
	role, err := e.Repo.GetRole(ctx, b.RoleID)
	if err != nil {
		return err
	}
	if err := e.Repo.RevokeRole(ctx, b); err != nil {
		return err
	}
	e.auditRole(ctx, "ROLE_REVOKED", role, actorID, &b, nil)
	return nil
}

func bindingScope(b domain.RoleBinding) domain.Scope {
	if b.ScopeType == domain.ScopeProject && b.ScopeID != nil {
		return domain.ProjectScope(*b.ScopeID)
	}
	return domain.GlobalScope()
}

func (e Engine) auditRole(ctx context.Context, action string, role domain.Role, actorID int64, b *domain.RoleBinding, details map[string]any) {
	entry := domain.AuditEntry{
		ActionType:     action,
		ActionCategory: "role",
		EntityType:     "role",
		EntityID:       role.ID,
		PerformedByID:  actorID,
		Summary:        fmt.Sprintf("%s %s", strings.ToLower(strings.ReplaceAll(action, "_", " ")), role.Name),
		Details:        details,
		CreatedAt:      e.stamp(),
	}
	if b != nil {
		uid := b.UserID
		entry.AffectedUserID = &uid
		entry.ProjectID = b.ScopeID
		entry.Details = map[string]any{"user_id": b.UserID, "scope_type": b.ScopeType}
	}
	e.Effects.RecordAudit(ctx, entry)
}
