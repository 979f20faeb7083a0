package repo_test

import (
	"context"
	"errors"
	"testing"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/migrate"
	"taskline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	if _, err := r.SeedCatalog(ctx, config.Default()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return r, ctx
}

func mustRole(t *testing.T, r repo.Repo, ctx context.Context, name string) domain.Role {
	t.Helper()
	role, err := r.GetRoleByName(ctx, name)
	if err != nil {
		t.Fatalf("role %s: %v", name, err)
	}
	return role
}

func TestSeedCatalogIsIdempotent(t *testing.T) {
	r, ctx := newRepo(t)
	rep, err := r.SeedCatalog(ctx, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if rep != (repo.SeedReport{}) {
		t.Fatalf("second seed should add nothing, got %+v", rep)
	}
	perms, err := r.ListPermissions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(perms) != len(config.Default().RBAC.Permissions) {
		t.Fatalf("expected full catalog, got %d", len(perms))
	}
	admin := mustRole(t, r, ctx, "admin")
	if !admin.IsSystemRole || admin.PermissionsCount != len(perms) {
		t.Fatalf("admin should hold every permission: %+v", admin)
	}
}

func TestDerivePermission(t *testing.T) {
	p := repo.DerivePermission("settings.global.read")
	if p.Module != "settings" || p.Category != "global" || p.Name != "Global.Read" || p.Description != "Permission to global.read" {
		t.Fatalf("unexpected derivation %+v", p)
	}
	p = repo.DerivePermission("dependency.manual_unblock")
	if p.Module != "dependency" || p.Category != "" || p.Name != "Manual Unblock" {
		t.Fatalf("unexpected derivation %+v", p)
	}
}

func TestListBindingsScopeFilter(t *testing.T) {
	r, ctx := newRepo(t)
	lead := mustRole(t, r, ctx, "team_lead")
	viewer := mustRole(t, r, ctx, "viewer")
	project := int64(5)
	if _, err := r.GrantRole(ctx, domain.RoleBinding{UserID: 9, RoleID: lead.ID, ScopeType: domain.ScopeProject, ScopeID: &project}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GrantRole(ctx, domain.RoleBinding{UserID: 9, RoleID: viewer.ID}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		scope domain.Scope
		roles int
	}{
		{domain.ProjectScope(5), 2},
		{domain.ProjectScope(6), 1},
		{domain.GlobalScope(), 1},
	}
	for _, tc := range cases {
		bindings, err := r.ListBindings(ctx, 9, tc.scope)
		if err != nil {
			t.Fatal(err)
		}
		if len(bindings) != tc.roles {
			t.Fatalf("scope %+v: expected %d bindings, got %d", tc.scope, tc.roles, len(bindings))
		}
	}
	bindings, err := r.ListBindings(ctx, 9, domain.ProjectScope(5))
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range bindings {
		if b.RoleName == "team_lead" {
			if _, ok := b.Permissions["dependency.create"]; !ok {
				t.Fatalf("team_lead binding missing dependency.create: %v", b.Permissions)
			}
		}
	}
	none, err := r.ListBindings(ctx, 404, domain.GlobalScope())
	if err != nil || len(none) != 0 {
		t.Fatalf("unknown user should have no bindings: %v %v", none, err)
	}
}

func TestGrantAndRevoke(t *testing.T) {
	r, ctx := newRepo(t)
	viewer := mustRole(t, r, ctx, "viewer")
	first, err := r.GrantRole(ctx, domain.RoleBinding{UserID: 3, RoleID: viewer.ID})
	if err != nil {
		t.Fatal(err)
	}
	again, err := r.GrantRole(ctx, domain.RoleBinding{UserID: 3, RoleID: viewer.ID, ScopeType: domain.ScopeGlobal})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != again.ID {
		t.Fatalf("regrant should return existing binding")
	}
	if _, err := r.GrantRole(ctx, domain.RoleBinding{UserID: 3, RoleID: viewer.ID, ScopeType: domain.ScopeProject}); err == nil {
		t.Fatalf("project scope without id should fail")
	}
	if err := r.RevokeRole(ctx, domain.RoleBinding{UserID: 3, RoleID: viewer.ID}); err != nil {
		t.Fatal(err)
	}
	if err := r.RevokeRole(ctx, domain.RoleBinding{UserID: 3, RoleID: viewer.ID}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRoleAdministration(t *testing.T) {
	r, ctx := newRepo(t)
	role, err := r.CreateRole(ctx, "qa", "Quality")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateRole(ctx, "qa", ""); !errors.Is(err, repo.ErrRoleExists) {
		t.Fatalf("expected role exists, got %v", err)
	}
	if err := r.SetRolePermissions(ctx, role.ID, []string{"task.read", "dependency.read"}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetRolePermissions(ctx, role.ID, []string{"task.read"}); err != nil {
		t.Fatal(err)
	}
	perms, err := r.RolePermissions(ctx, role.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(perms) != 1 || perms[0].Key != "task.read" {
		t.Fatalf("permissions should be replaced: %+v", perms)
	}
	if err := r.SetRolePermissions(ctx, role.ID, []string{"task.fly"}); !errors.Is(err, repo.ErrUnknownPerm) {
		t.Fatalf("expected unknown permission, got %v", err)
	}
	if perms, _ := r.RolePermissions(ctx, role.ID); len(perms) != 1 {
		t.Fatalf("failed replace must roll back, got %+v", perms)
	}
	name := "quality"
	updated, err := r.UpdateRole(ctx, role.ID, &name, nil)
	if err != nil || updated.Name != "quality" {
		t.Fatalf("update: %+v %v", updated, err)
	}
	if err := r.DeleteRole(ctx, mustRole(t, r, ctx, "admin").ID); !errors.Is(err, repo.ErrSystemRole) {
		t.Fatalf("expected system role refusal, got %v", err)
	}
	if err := r.DeleteRole(ctx, role.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetRole(ctx, role.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAddEdgeConstraintErrors(t *testing.T) {
	r, ctx := newRepo(t)
	a, err := r.InsertTask(ctx, domain.Task{Title: "A", CreatedByID: 1, UpdatedAt: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.InsertTask(ctx, domain.Task{Title: "B", CreatedByID: 1, UpdatedAt: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	now := "2024-01-01T00:00:00Z"
	if err := r.AddEdge(ctx, tx, a, b, now); err != nil {
		t.Fatal(err)
	}
	if err := r.AddEdge(ctx, tx, a, b, now); !errors.Is(err, repo.ErrDuplicateEdge) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := r.AddEdge(ctx, tx, a, a, now); !errors.Is(err, repo.ErrSelfDependency) {
		t.Fatalf("expected self dependency, got %v", err)
	}
	if err := r.AddEdge(ctx, tx, a, 77, now); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	in, err := r.ListIncoming(ctx, tx, b)
	if err != nil || len(in) != 1 || in[0] != a {
		t.Fatalf("incoming: %v %v", in, err)
	}
}

func TestNotifySkipsInvalidAndDedupes(t *testing.T) {
	r, ctx := newRepo(t)
	store := repo.NotificationStore{Repo: r}
	batch := []domain.Notification{
		{UserID: 4, Title: "t", Message: "m", DedupeKey: "k1"},
		{UserID: 0, Title: "t", Message: "m", DedupeKey: "k2"},
		{UserID: 5, Title: "t", Message: "m", Type: "warning", DedupeKey: "k3"},
	}
	n, err := store.Notify(ctx, batch)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 inserted, got %d %v", n, err)
	}
	n, err = store.Notify(ctx, batch)
	if err != nil || n != 0 {
		t.Fatalf("retry should insert nothing, got %d %v", n, err)
	}
	notes, err := r.ListNotifications(ctx, 4, true)
	if err != nil || len(notes) != 1 || notes[0].Type != "info" {
		t.Fatalf("unexpected notifications %+v %v", notes, err)
	}
}

func TestActivityLogRedactsSecrets(t *testing.T) {
	r, ctx := newRepo(t)
	log := repo.ActivityLog{Repo: r}
	err := log.Record(ctx, domain.AuditEntry{
		ActionType:     "USER_UPDATED",
		ActionCategory: "user",
		EntityType:     "user",
		EntityID:       8,
		PerformedByID:  1,
		Summary:        "updated",
		Details: map[string]any{
			"password": "hunter2",
			"profile":  map[string]any{"apiKey": "abc", "name": "ok"},
			"tokens":   []any{map[string]any{"token": "x"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := r.ListActivity(ctx, "user", 8)
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries: %+v %v", entries, err)
	}
	d := entries[0].Details
	if d["password"] != "[REDACTED]" {
		t.Fatalf("password not redacted: %v", d)
	}
	profile := d["profile"].(map[string]any)
	if profile["apiKey"] != "[REDACTED]" || profile["name"] != "ok" {
		t.Fatalf("nested map not sanitized: %v", profile)
	}
	tok := d["tokens"].([]any)[0].(map[string]any)
	if tok["token"] != "[REDACTED]" {
		t.Fatalf("slice entries not sanitized: %v", tok)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	r, ctx := newRepo(t)
	key := domain.APIKey{ID: "k1", UserID: 4, Name: "ci", KeyHash: repo.HashAPIKey(" secret ")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", UserID: 5, KeyHash: repo.HashAPIKey("other")}); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "k1" || got.UserID != 4 || got.Name != "ci" {
		t.Fatalf("unexpected key %+v", got)
	}
	mine, err := r.ListAPIKeys(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != "k1" {
		t.Fatalf("expected only k1, got %+v", mine)
	}
	all, err := r.ListAPIKeys(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(all))
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
