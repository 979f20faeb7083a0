package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"taskline/internal/config"
	"taskline/internal/domain"
)

// SeedReport counts rows created by SeedCatalog. Existing rows are left untouched.
type SeedReport struct {
	Permissions     int `json:"permissions"`
	Roles           int `json:"roles"`
	RolePermissions int `json:"role_permissions"`
	TaskStatuses    int `json:"task_statuses"`
}

// SeedCatalog writes the permission catalog, the configured roles and the task
// status catalog. Running it again only adds what is missing.
func (r Repo) SeedCatalog(ctx context.Context, cfg *config.Config) (SeedReport, error) {
	var rep SeedReport
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return rep, err
	}
	defer tx.Rollback()

	for _, key := range cfg.RBAC.Permissions {
		p := DerivePermission(key)
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(key, module, category, name, description) VALUES (?,?,?,?,?)`,
			p.Key, p.Module, nullable(p.Category), p.Name, p.Description)
		if err != nil {
			return rep, fmt.Errorf("seed permission %s: %w", key, err)
		}
		rep.Permissions += affected(res)
	}

	roleNames := make([]string, 0, len(cfg.RBAC.Roles))
	for name := range cfg.RBAC.Roles {
		roleNames = append(roleNames, name)
	}
	sort.Strings(roleNames)
	for _, name := range roleNames {
		role := cfg.RBAC.Roles[name]
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(name, description, is_system_role) VALUES (?,?,?)`,
			name, nullable(role.Description), boolInt(role.System))
		if err != nil {
			return rep, fmt.Errorf("seed role %s: %w", name, err)
		}
		rep.Roles += affected(res)
		for _, key := range cfg.RolePermissions(name) {
			res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO role_permissions(role_id, permission_id)
SELECT ro.id, p.id FROM roles ro, permissions p WHERE ro.name=? AND p.key=?`, name, key)
			if err != nil {
				return rep, fmt.Errorf("seed role %s permission %s: %w", name, key, err)
			}
			rep.RolePermissions += affected(res)
		}
	}

	for _, st := range cfg.TaskStatuses {
		color := st.Color
		if color == "" {
			color = "#6b7280"
		}
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO task_statuses(name, color, is_default, is_final, is_blocking, order_index, is_active)
VALUES (?,?,?,?,?,?,?)`,
			strings.TrimSpace(st.Name), color, boolInt(st.Default), boolInt(st.Final), boolInt(st.Blocking), st.OrderIndex, boolInt(!st.Inactive))
		if err != nil {
			return rep, fmt.Errorf("seed task status %s: %w", st.Name, err)
		}
		rep.TaskStatuses += affected(res)
	}
	return rep, tx.Commit()
}

// DerivePermission builds the catalog row for a dotted key. "settings.global.read"
// yields module "settings", category "global" and name "Global.Read".
func DerivePermission(key string) domain.Permission {
	parts := strings.Split(key, ".")
	module := parts[0]
	actionParts := parts[1:]
	action := strings.Join(actionParts, ".")
	spaced := strings.ReplaceAll(action, "_", " ")
	p := domain.Permission{
		Key:         key,
		Module:      module,
		Name:        titleWords(spaced),
		Description: "Permission to " + spaced,
	}
	if len(actionParts) > 1 {
		p.Category = actionParts[0]
	}
	return p
}

// titleWords upper-cases the first character of every word.
func titleWords(s string) string {
	out := []rune(s)
	prevWord := false
	for i, c := range out {
		word := c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c)
		if word && !prevWord {
			out[i] = unicode.ToUpper(c)
		}
		prevWord = word
	}
	return string(out)
}

func affected(res interface{ RowsAffected() (int64, error) }) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
