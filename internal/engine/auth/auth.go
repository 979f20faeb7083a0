package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taskline/internal/domain"
)

// AdminRole is the role name IsAdmin looks up.
const AdminRole = "admin"

// ErrForbidden matches every ForbiddenError via errors.Is.
var ErrForbidden = errors.New("forbidden")

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Scope      domain.Scope
}

func (e ForbiddenError) Error() string {
	if e.Scope.IsGlobal() {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required in project %d", e.Permission, *e.Scope.ProjectID)
}

func (e ForbiddenError) Is(target error) bool { return target == ErrForbidden }

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taskline_authz_decisions_total",
	Help: "Permission checks by result",
}, []string{"result"})

// PermissionStore lists role bindings with their expanded permission sets.
type PermissionStore interface {
	ListBindings(ctx context.Context, userID int64, scope domain.Scope) ([]domain.RoleBinding, error)
	UserHasRoleNamed(ctx context.Context, userID int64, roleName string) (bool, error)
}

// Service resolves permission checks against the store on every call.
type Service struct {
	Store PermissionStore
}

// HasPermission reports whether any global binding, or any binding on the
// scope's project, grants key. Unknown users and keys yield false.
func (s Service) HasPermission(ctx context.Context, userID int64, key string, scope domain.Scope) (bool, error) {
	bindings, err := s.Store.ListBindings(ctx, userID, scope)
	if err != nil {
		decisions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("load bindings: %w", err)
	}
	for _, b := range bindings {
		if _, ok := b.Permissions[key]; ok {
			decisions.WithLabelValues("allow").Inc()
			return true, nil
		}
	}
	decisions.WithLabelValues("deny").Inc()
	return false, nil
}

// Require returns a ForbiddenError when the permission is missing.
func (s Service) Require(ctx context.Context, userID int64, key string, scope domain.Scope) error {
	ok, err := s.HasPermission(ctx, userID, key, scope)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: key, Scope: scope}
	}
	return nil
}

// PermissionsList flattens every key reachable for the user at scope, sorted.
func (s Service) PermissionsList(ctx context.Context, userID int64, scope domain.Scope) ([]string, error) {
	bindings, err := s.Store.ListBindings(ctx, userID, scope)
	if err != nil {
		return nil, fmt.Errorf("load bindings: %w", err)
	}
	set := map[string]struct{}{}
	for _, b := range bindings {
		for k := range b.Permissions {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// IsAdmin reports whether the user holds the admin role at any scope. It is
// informational; permission checks never consult it.
func (s Service) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	return s.Store.UserHasRoleNamed(ctx, userID, AdminRole)
}
