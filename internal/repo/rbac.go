package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taskline/internal/domain"
)

// ListBindings returns the user's global bindings plus, when scope names a
// project, the bindings scoped to exactly that project. Each binding carries
// its role's permission keys.
func (r Repo) ListBindings(ctx context.Context, userID int64, scope domain.Scope) ([]domain.RoleBinding, error) {
	query := `
SELECT ur.id, ur.user_id, ur.role_id, ro.name, COALESCE(ur.scope_type,'global'), ur.scope_id, p.key
FROM user_roles ur
JOIN roles ro ON ro.id=ur.role_id
LEFT JOIN role_permissions rp ON rp.role_id=ro.id
LEFT JOIN permissions p ON p.id=rp.permission_id
WHERE ur.user_id=? AND (ur.scope_type IS NULL OR ur.scope_type='global'`
	args := []any{userID}
	if !scope.IsGlobal() {
		query += ` OR (ur.scope_type='project' AND ur.scope_id=?)`
		args = append(args, *scope.ProjectID)
	}
	query += `)
ORDER BY ur.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()
	var (
		res   []domain.RoleBinding
		index = map[int64]int{}
	)
	for rows.Next() {
		var (
			b       domain.RoleBinding
			scopeID sql.NullInt64
			key     sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.RoleID, &b.RoleName, &b.ScopeType, &scopeID, &key); err != nil {
			return nil, err
		}
		pos, ok := index[b.ID]
		if !ok {
			b.ScopeID = int64Ptr(scopeID)
			b.Permissions = map[string]struct{}{}
			res = append(res, b)
			pos = len(res) - 1
			index[b.ID] = pos
		}
		if key.Valid {
			res[pos].Permissions[key.String] = struct{}{}
		}
	}
	return res, rows.Err()
}

// UserHasRoleNamed reports whether the user holds the named role at any scope.
func (r Repo) UserHasRoleNamed(ctx context.Context, userID int64, roleName string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
SELECT 1 FROM user_roles ur JOIN roles ro ON ro.id=ur.role_id
WHERE ur.user_id=? AND ro.name=? LIMIT 1`, userID, roleName).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListPermissions(ctx context.Context) ([]domain.Permission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,key,module,COALESCE(category,''),name,COALESCE(description,'') FROM permissions ORDER BY module ASC, key ASC`)
	if err != nil {
		return nil, err
	}
	return scanPermissions(rows)
}

func scanPermissions(rows *sql.Rows) ([]domain.Permission, error) {
	defer rows.Close()
	var res []domain.Permission
	for rows.Next() {
		var p domain.Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Module, &p.Category, &p.Name, &p.Description); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT ro.id, ro.name, COALESCE(ro.description,''), ro.is_system_role,
  (SELECT count(*) FROM role_permissions rp WHERE rp.role_id=ro.id),
  (SELECT count(*) FROM user_roles ur WHERE ur.role_id=ro.id)
FROM roles ro ORDER BY ro.name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystemRole, &role.PermissionsCount, &role.UsersCount); err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

func (r Repo) GetRole(ctx context.Context, id int64) (domain.Role, error) {
	return getRole(ctx, r.DB, `ro.id=?`, id)
}

func (r Repo) GetRoleByName(ctx context.Context, name string) (domain.Role, error) {
	return getRole(ctx, r.DB, `ro.name=?`, name)
}

func getRole(ctx context.Context, q querier, where string, arg any) (domain.Role, error) {
	var role domain.Role
	err := q.QueryRowContext(ctx, `
SELECT ro.id, ro.name, COALESCE(ro.description,''), ro.is_system_role,
  (SELECT count(*) FROM role_permissions rp WHERE rp.role_id=ro.id),
  (SELECT count(*) FROM user_roles ur WHERE ur.role_id=ro.id)
FROM roles ro WHERE `+where, arg).
		Scan(&role.ID, &role.Name, &role.Description, &role.IsSystemRole, &role.PermissionsCount, &role.UsersCount)
	if err == sql.ErrNoRows {
		return role, ErrNotFound
	}
	return role, err
}

func (r Repo) CreateRole(ctx context.Context, name, description string) (domain.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Role{}, fmt.Errorf("name is required")
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO roles(name, description, is_system_role) VALUES (?,?,0)`, name, nullable(strings.TrimSpace(description)))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Role{}, ErrRoleExists
		}
		return domain.Role{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Role{}, err
	}
	return r.GetRole(ctx, id)
}

func (r Repo) UpdateRole(ctx context.Context, id int64, name, description *string) (domain.Role, error) {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return domain.Role{}, fmt.Errorf("name must not be empty")
		}
		fields = append(fields, "name=?")
		args = append(args, trimmed)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(strings.TrimSpace(*description)))
	}
	if len(fields) > 0 {
		args = append(args, id)
		res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE roles SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.Role{}, ErrRoleExists
			}
			return domain.Role{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.Role{}, ErrNotFound
		}
	}
	return r.GetRole(ctx, id)
}

// DeleteRole removes a non-system role; its bindings and permission links cascade.
func (r Repo) DeleteRole(ctx context.Context, id int64) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	role, err := getRole(ctx, tx, `ro.id=?`, id)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return ErrSystemRole
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) RolePermissions(ctx context.Context, roleID int64) ([]domain.Permission, error) {
	if _, err := r.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT p.id,p.key,p.module,COALESCE(p.category,''),p.name,COALESCE(p.description,'')
FROM role_permissions rp JOIN permissions p ON p.id=rp.permission_id
WHERE rp.role_id=? ORDER BY p.module ASC, p.key ASC`, roleID)
	if err != nil {
		return nil, err
	}
	return scanPermissions(rows)
}

// SetRolePermissions replaces the role's permission set.
func (r Repo) SetRolePermissions(ctx context.Context, roleID int64, keys []string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := getRole(ctx, tx, `ro.id=?`, roleID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID); err != nil {
		return err
	}
	for _, key := range keys {
		if err := addRolePermission(ctx, tx, roleID, key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func addRolePermission(ctx context.Context, tx *sql.Tx, roleID int64, key string) error {
	var permID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM permissions WHERE key=?`, key).Scan(&permID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrUnknownPerm, key)
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

// GrantRole binds a role to a user. Granting an existing binding is a no-op.
func (r Repo) GrantRole(ctx context.Context, b domain.RoleBinding) (domain.RoleBinding, error) {
	scopeType, scopeID, err := normalizeScope(b.ScopeType, b.ScopeID)
	if err != nil {
		return b, err
	}
	if _, err := r.GetRole(ctx, b.RoleID); err != nil {
		return b, err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO user_roles(user_id, role_id, scope_type, scope_id) VALUES (?,?,?,?)`,
		b.UserID, b.RoleID, nullable(scopeType), nullableInt64Ptr(scopeID))
	if err != nil && !isUniqueViolation(err) {
		return b, err
	}
	return r.findBinding(ctx, b.UserID, b.RoleID, scopeType, scopeID)
}

func (r Repo) RevokeRole(ctx context.Context, b domain.RoleBinding) error {
	scopeType, scopeID, err := normalizeScope(b.ScopeType, b.ScopeID)
	if err != nil {
		return err
	}
	found, err := r.findBinding(ctx, b.UserID, b.RoleID, scopeType, scopeID)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `DELETE FROM user_roles WHERE id=?`, found.ID)
	return err
}

func (r Repo) findBinding(ctx context.Context, userID, roleID int64, scopeType string, scopeID *int64) (domain.RoleBinding, error) {
	var (
		b   domain.RoleBinding
		sid sql.NullInt64
	)
	err := r.DB.QueryRowContext(ctx, `
SELECT ur.id, ur.user_id, ur.role_id, ro.name, COALESCE(ur.scope_type,'global'), ur.scope_id
FROM user_roles ur JOIN roles ro ON ro.id=ur.role_id
WHERE ur.user_id=? AND ur.role_id=? AND COALESCE(ur.scope_type,'global')=? AND COALESCE(ur.scope_id,0)=?`,
		userID, roleID, orGlobal(scopeType), derefOrZero(scopeID)).
		Scan(&b.ID, &b.UserID, &b.RoleID, &b.RoleName, &b.ScopeType, &sid)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	b.ScopeID = int64Ptr(sid)
	return b, err
}

func normalizeScope(scopeType string, scopeID *int64) (string, *int64, error) {
	switch scopeType {
	case "", domain.ScopeGlobal:
		return domain.ScopeGlobal, nil, nil
	case domain.ScopeProject:
		if scopeID == nil {
			return "", nil, fmt.Errorf("scope_id required for project scope")
		}
		return domain.ScopeProject, scopeID, nil
	}
	return "", nil, fmt.Errorf("invalid scope_type %q", scopeType)
}

func orGlobal(scopeType string) string {
	if scopeType == "" {
		return domain.ScopeGlobal
	}
	return scopeType
}

func derefOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
