package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/domain"
)

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Inspect and administer roles and permissions"}
	cmd.AddCommand(rbacCheckCmd())
	cmd.AddCommand(rbacPermissionsCmd())
	cmd.AddCommand(rbacIsAdminCmd())
	cmd.AddCommand(rbacRolesCmd())
	cmd.AddCommand(rbacRoleCreateCmd())
	cmd.AddCommand(rbacRoleDeleteCmd())
	cmd.AddCommand(rbacRolePermsCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

// userOrActor falls back to --actor when --user is not given.
func userOrActor(user int64) (int64, error) {
	if user > 0 {
		return user, nil
	}
	if a := actorID(); a > 0 {
		return a, nil
	}
	return 0, errors.New("--user or --actor required")
}

func rbacCheckCmd() *cobra.Command {
	var user int64
	var perm string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check one permission at the --project scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := userOrActor(user)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				scope, project := projectScope()
				ok, err := rt.Engine.Auth.HasPermission(ctx, uid, perm, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_id": uid, "permission": perm, "project_id": project, "allowed": ok})
				}
				fmt.Println(ok)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id (defaults to --actor)")
	cmd.Flags().StringVar(&perm, "permission", "", "permission key, e.g. dependency.create")
	_ = cmd.MarkFlagRequired("permission")
	return cmd
}

func rbacPermissionsCmd() *cobra.Command {
	var user int64
	var catalog bool
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "List a user's permissions at the --project scope, or the whole catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if catalog {
					perms, err := rt.Engine.Repo.ListPermissions(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(perms)
					}
					tw := newTable(table.Row{"Key", "Module", "Category", "Name"})
					for _, p := range perms {
						tw.AppendRow(table.Row{p.Key, p.Module, p.Category, p.Name})
					}
					tw.Render()
					return nil
				}
				uid, err := userOrActor(user)
				if err != nil {
					return err
				}
				scope, _ := projectScope()
				keys, err := rt.Engine.Auth.PermissionsList(ctx, uid, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"Permission"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id (defaults to --actor)")
	cmd.Flags().BoolVar(&catalog, "catalog", false, "list every known permission instead")
	return cmd
}

func rbacIsAdminCmd() *cobra.Command {
	var user int64
	cmd := &cobra.Command{
		Use:   "is-admin",
		Short: "Report whether a user holds the admin role",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := userOrActor(user)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ok, err := rt.Engine.Auth.IsAdmin(ctx, uid)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_id": uid, "is_admin": ok})
				}
				fmt.Println(ok)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id (defaults to --actor)")
	return cmd
}

func rbacRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				roles, err := rt.Engine.Repo.ListRoles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := newTable(table.Row{"ID", "Name", "System", "Permissions", "Users", "Description"})
				for _, r := range roles {
					tw.AppendRow(table.Row{r.ID, r.Name, r.IsSystemRole, r.PermissionsCount, r.UsersCount, r.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rbacRoleCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "role-create",
		Short: "Create a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				role, err := rt.Engine.CreateRole(ctx, name, desc, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(role)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "role name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func rbacRoleDeleteCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "role-delete",
		Short: "Delete a non-system role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.Engine.Repo.GetRoleByName(ctx, role)
				if err != nil {
					return fmt.Errorf("role %s: %w", role, err)
				}
				return rt.Engine.DeleteRole(ctx, r.ID, actorID())
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRolePermsCmd() *cobra.Command {
	var role, perms string
	cmd := &cobra.Command{
		Use:   "role-permissions",
		Short: "Show a role's permissions, or replace them with --set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.Engine.Repo.GetRoleByName(ctx, role)
				if err != nil {
					return fmt.Errorf("role %s: %w", role, err)
				}
				var out []domain.Permission
				if cmd.Flags().Changed("set") {
					out, err = rt.Engine.SetRolePermissions(ctx, r.ID, splitKeys(perms), actorID())
				} else {
					out, err = rt.Engine.Repo.RolePermissions(ctx, r.ID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := newTable(table.Row{"Key", "Name"})
				for _, p := range out {
					tw.AppendRow(table.Row{p.Key, p.Name})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role name")
	cmd.Flags().StringVar(&perms, "set", "", "comma-separated permission keys to assign")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var user int64
	var role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role at the --project scope (global when omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := bindingFor(ctx, rt, user, role)
				if err != nil {
					return err
				}
				out, err := rt.Engine.GrantRole(ctx, b, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var user int64
	var role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role binding at the --project scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := bindingFor(ctx, rt, user, role)
				if err != nil {
					return err
				}
				return rt.Engine.RevokeRole(ctx, b, actorID())
			})
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func bindingFor(ctx context.Context, rt *app.Runtime, user int64, roleName string) (domain.RoleBinding, error) {
	r, err := rt.Engine.Repo.GetRoleByName(ctx, roleName)
	if err != nil {
		return domain.RoleBinding{}, fmt.Errorf("role %s: %w", roleName, err)
	}
	b := domain.RoleBinding{UserID: user, RoleID: r.ID, ScopeType: domain.ScopeGlobal}
	if _, project := projectScope(); project != nil {
		b.ScopeType = domain.ScopeProject
		b.ScopeID = project
	}
	return b, nil
}

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
