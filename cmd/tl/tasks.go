package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/domain"
	"taskline/internal/engine"
)

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, arg)
	}
	return id, nil
}

func parseIDs(args []string) (int64, int64, error) {
	task, err := parseID(args[0], "task")
	if err != nil {
		return 0, 0, err
	}
	dep, err := parseID(args[1], "dependency")
	if err != nil {
		return 0, 0, err
	}
	return task, dep, nil
}

func depCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dep", Short: "Manage task dependencies"}
	cmd.AddCommand(depAddCmd())
	cmd.AddCommand(depRemoveCmd())
	cmd.AddCommand(depBlockingCmd())
	return cmd
}

func depAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <task-id> <depends-on-id>",
		Short: "Make a task depend on another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, depID, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.AddDependency(ctx, taskID, depID, actorID()); err != nil {
					return err
				}
				return showTask(ctx, rt, taskID)
			})
		},
	}
}

func depRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <task-id> <depends-on-id>",
		Short: "Remove a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, depID, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.RemoveDependency(ctx, taskID, depID, actorID()); err != nil {
					return err
				}
				return showTask(ctx, rt, taskID)
			})
		},
	}
}

func depBlockingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocking <task-id>",
		Short: "List unresolved dependencies of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				deps, err := rt.Engine.ListBlockingDependencies(ctx, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deps)
				}
				if len(deps) == 0 {
					fmt.Println("no blocking dependencies")
					return nil
				}
				tw := newTable(table.Row{"ID", "Title", "Status"})
				for _, d := range deps {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskStatusesCmd())
	cmd.AddCommand(taskStatusCmd())
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(taskCascadeCmd())
	cmd.AddCommand(taskUnblockCmd())
	cmd.AddCommand(taskDeleteCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var title string
	var assignees []int64
	var statusID int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in the --project scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				_, project := projectScope()
				opts := engine.TaskCreateOptions{
					ProjectID:   project,
					Title:       title,
					AssigneeIDs: assignees,
					ActorID:     actorID(),
				}
				if statusID > 0 {
					opts.StatusID = &statusID
				}
				t, err := rt.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().Int64SliceVar(&assignees, "assignee", nil, "assignee user ids")
	cmd.Flags().Int64Var(&statusID, "status-id", 0, "initial status id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return showTask(ctx, rt, taskID)
			})
		},
	}
}

func taskStatusesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "statuses",
		Short: "List configured task statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListTaskStatuses(ctx, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Final", "Blocking", "Order", "Active"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.IsFinal, s.IsBlocking, s.OrderIndex, s.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive statuses")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var statusID int64
	var name string
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Set a task's status by --status-id or --name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				upd := engine.StatusUpdate{TaskID: taskID, ActorID: actorID()}
				switch {
				case statusID > 0:
					upd.StatusID = &statusID
				case name != "":
					st, err := rt.Engine.Repo.GetTaskStatusByName(ctx, name)
					if err != nil {
						return fmt.Errorf("status %q: %w", name, err)
					}
					upd.StatusID = &st.ID
				default:
					return fmt.Errorf("--status-id or --name required")
				}
				res, err := rt.Engine.UpdateTaskStatus(ctx, upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Int64Var(&statusID, "status-id", 0, "status id")
	cmd.Flags().StringVar(&name, "name", "", "status name, e.g. \"In Progress\"")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Move a task to a final status and re-evaluate its dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.Repo.GetTaskStatusByName(ctx, name)
				if err != nil {
					return fmt.Errorf("status %q: %w", name, err)
				}
				if !st.IsFinal {
					return fmt.Errorf("status %q is not final", st.Name)
				}
				res, err := rt.Engine.UpdateTaskStatus(ctx, engine.StatusUpdate{TaskID: taskID, StatusID: &st.ID, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "status", domain.StatusCompleted, "final status name")
	return cmd
}

func taskCascadeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cascade <task-id>",
		Short: "Re-evaluate dependents of a task completed outside Taskline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.OnTaskCompleted(ctx, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func taskUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <task-id>",
		Short: "Clear a blocking status regardless of dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.ManualUnblock(ctx, taskID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and re-evaluate its former dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.DeleteTask(ctx, taskID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func showTask(ctx context.Context, rt *app.Runtime, taskID int64) error {
	t, err := rt.Engine.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := newTable(table.Row{"ID", "Title", "Status", "Blocking", "Engine blocked", "Project"})
	project := "-"
	if t.ProjectID != nil {
		project = strconv.FormatInt(*t.ProjectID, 10)
	}
	tw.AppendRow(table.Row{t.ID, t.Title, t.DisplayStatus(), t.Blocking(), t.EngineBlocked, project})
	tw.Render()
	return nil
}
