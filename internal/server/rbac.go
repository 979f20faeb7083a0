package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"taskline/internal/domain"
	"taskline/internal/engine"
)

var rbacErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-permissions",
		Method:      http.MethodGet,
		Path:        "/me/permissions",
		Summary:     "Permissions of the current user",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `query:"project_id" doc:"Project to evaluate; omit for global"`
	}) (*body[PermissionsResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		perms, err := e.Auth.PermissionsList(ctx, userID, scopeOf(input.ProjectID))
		if err != nil {
			return nil, handleError(err)
		}
		admin, err := e.Auth.IsAdmin(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[PermissionsResponse]{Body: PermissionsResponse{
			UserID:      userID,
			ProjectID:   projectPtr(input.ProjectID),
			Permissions: nonNilSlice(perms),
			IsAdmin:     admin,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-notifications",
		Method:      http.MethodGet,
		Path:        "/me/notifications",
		Summary:     "Notifications addressed to the current user",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
	}) (*body[NotificationList], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListNotifications(ctx, userID, input.Unread)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[NotificationList]{Body: NotificationList{Items: nonNilSlice(items)}}, nil
	})
}

// subjectOf resolves the user a query is about. Asking about someone else
// needs role.read.
func subjectOf(ctx context.Context, e engine.Engine, userID int64) (int64, error) {
	self, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return 0, authErr
	}
	if userID <= 0 || userID == self {
		return self, nil
	}
	if err := e.Auth.Require(ctx, self, engine.PermRoleRead, domain.GlobalScope()); err != nil {
		return 0, err
	}
	return userID, nil
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-permission",
		Method:      http.MethodGet,
		Path:        "/rbac/check",
		Summary:     "Check one permission for a user at a scope",
		Errors:      rbacErrors,
	}, func(ctx context.Context, input *struct {
		UserID     int64  `query:"user_id" doc:"Defaults to the current user"`
		Permission string `query:"permission" required:"true"`
		ProjectID  int64  `query:"project_id"`
	}) (*body[CheckResponse], error) {
		perm := strings.TrimSpace(input.Permission)
		if perm == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "permission is required", nil)
		}
		userID, err := subjectOf(ctx, e, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := e.Auth.HasPermission(ctx, userID, perm, scopeOf(input.ProjectID))
		if err != nil {
			return nil, handleError(err)
		}
		return &body[CheckResponse]{Body: CheckResponse{
			UserID:     userID,
			Permission: perm,
			ProjectID:  projectPtr(input.ProjectID),
			Allowed:    ok,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-permissions",
		Method:      http.MethodGet,
		Path:        "/rbac/permissions",
		Summary:     "Permission catalog",
		Errors:      rbacErrors,
	}, func(ctx context.Context, _ *struct{}) (*body[PermissionList], error) {
		if err := requirePermission(ctx, e, engine.PermRoleRead, domain.GlobalScope()); err != nil {
			return nil, handleError(err)
		}
		perms, err := e.Repo.ListPermissions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[PermissionList]{Body: PermissionList{Items: nonNilSlice(perms)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "is-admin",
		Method:      http.MethodGet,
		Path:        "/rbac/admin",
		Summary:     "Whether a user holds the admin role",
		Errors:      rbacErrors,
	}, func(ctx context.Context, input *struct {
		UserID int64 `query:"user_id" doc:"Defaults to the current user"`
	}) (*body[AdminResponse], error) {
		userID, err := subjectOf(ctx, e, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		admin, err := e.Auth.IsAdmin(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[AdminResponse]{Body: AdminResponse{UserID: userID, IsAdmin: admin}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/rbac/bindings/grant",
		Summary:       "Grant a role at a scope",
		DefaultStatus: http.StatusCreated,
		Errors:        rbacErrors,
	}, func(ctx context.Context, input *struct {
		Body BindingRequest
	}) (*body[domain.RoleBinding], error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.GrantRole(ctx, input.Body.binding(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[domain.RoleBinding]{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/rbac/bindings/revoke",
		Summary:     "Revoke a role binding",
		Errors:      rbacErrors,
	}, func(ctx context.Context, input *struct {
		Body BindingRequest
	}) (*struct{}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, input.Body.binding(), actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/rbac/roles",
		Summary:     "List roles",
		Errors:      rbacErrors,
	}, func(ctx context.Context, _ *struct{}) (*body[RoleList], error) {
		if err := requirePermission(ctx, e, engine.PermRoleRead, domain.GlobalScope()); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ListRoles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[RoleList]{Body: RoleList{Items: nonNilSlice(roles)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-role",
		Method:        http.MethodPost,
		Path:          "/rbac/roles",
		Summary:       "Create role",
		DefaultStatus: http.StatusCreated,
		Errors:        rbacErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRoleRequest
	}) (*body[domain.Role], error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role, err := e.CreateRole(ctx, input.Body.Name, input.Body.Description, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[domain.Role]{Body: role}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-role",
		Method:      http.MethodGet,
		Path:        "/rbac/roles/{id}",
		Summary:     "Get role",
		Errors:      rbacErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*body[domain.Role], error) {
		if err := requirePermission(ctx, e, engine.PermRoleRead, domain.GlobalScope()); err != nil {
			return nil, handleError(err)
		}
		role, err := e.Repo.GetRole(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[domain.Role]{Body: role}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-role",
		Method:      http.MethodPatch,
		Path:        "/rbac/roles/{id}",
		Summary:     "Rename or describe a role",
		Errors:      rbacErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body UpdateRoleRequest
	}) (*body[domain.Role], error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role, err := e.UpdateRole(ctx, input.ID, input.Body.Name, input.Body.Description, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[domain.Role]{Body: role}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-role",
		Method:      http.MethodDelete,
		Path:        "/rbac/roles/{id}",
		Summary:     "Delete a non-system role",
		Errors:      rbacErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteRole(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-role-permissions",
		Method:      http.MethodGet,
		Path:        "/rbac/roles/{id}/permissions",
		Summary:     "Permissions granted by a role",
		Errors:      rbacErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*body[PermissionList], error) {
		if err := requirePermission(ctx, e, engine.PermRoleRead, domain.GlobalScope()); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetRole(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		perms, err := e.Repo.RolePermissions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[PermissionList]{Body: PermissionList{Items: nonNilSlice(perms)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-role-permissions",
		Method:      http.MethodPut,
		Path:        "/rbac/roles/{id}/permissions",
		Summary:     "Replace a role's permissions",
		Errors:      rbacErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body SetRolePermissionsRequest
	}) (*body[PermissionList], error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		perms, err := e.SetRolePermissions(ctx, input.ID, input.Body.Permissions, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &body[PermissionList]{Body: PermissionList{Items: nonNilSlice(perms)}}, nil
	})
}
