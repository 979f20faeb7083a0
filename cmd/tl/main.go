package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/domain"
	"taskline/internal/repair"
	"taskline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline keeps task dependencies and role-based permissions consistent.
- Permissions: roles bundle permission keys; bindings grant a role globally or inside one project.
- Dependencies: a task waits on the tasks it depends on; cycles and self-dependencies are refused.
- Blocking: adding an unresolved dependency moves the task to a blocking status; completing
  the last dependency moves it back.
- Repair: a periodic sweep unblocks tasks whose dependencies were resolved while a cascade failed.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/taskline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("actor", 0, "user id performing the operation")
	rootCmd.PersistentFlags().Int64("project", 0, "project id (0 means global)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(repairCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(taskCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()
			return printJSONOrTable(map[string]any{"schema_version": rt.SchemaVersion})
		},
	}
}

func seedCmd() *cobra.Command {
	var adminUser int64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the permission, role and status catalogs from config",
		Long:  "Seeding is idempotent. --admin grants the admin role globally without a permission check, for bootstrapping.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Engine.Repo.SeedCatalog(ctx, rt.Config)
				if err != nil {
					return err
				}
				out := map[string]any{"seeded": rep}
				if adminUser > 0 {
					role, err := rt.Engine.Repo.GetRoleByName(ctx, "admin")
					if err != nil {
						return fmt.Errorf("admin role: %w", err)
					}
					b, err := rt.Engine.Repo.GrantRole(ctx, domain.RoleBinding{UserID: adminUser, RoleID: role.ID})
					if err != nil {
						return err
					}
					out["admin_binding"] = b
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().Int64Var(&adminUser, "admin", 0, "user id to bootstrap as global admin")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, secret string
	var legacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config.Server
				if cmd.Flags().Changed("addr") || cfg.Addr == "" {
					cfg.Addr = addr
				}
				if cmd.Flags().Changed("base-path") || cfg.BasePath == "" {
					cfg.BasePath = basePath
				}
				if s := viper.GetString("jwt-secret"); s != "" {
					cfg.JWTSecret = s
				}
				if cmd.Flags().Changed("allow-legacy-header") {
					cfg.AllowLegacyUserHeader = legacy
				}
				if cfg.JWTSecret == "" && !cfg.AllowLegacyUserHeader {
					return errors.New("a JWT secret is required (--jwt-secret or TASKLINE_JWT_SECRET)")
				}
				log := rt.Log.With().Str("component", "http").Logger()
				hcfg := server.Config{
					Engine:        rt.Engine,
					BasePath:      cfg.BasePath,
					Auth:          server.AuthConfig{JWTSecret: cfg.JWTSecret, AllowLegacyUserHeader: cfg.AllowLegacyUserHeader},
					Log:           log,
					SchemaVersion: rt.SchemaVersion,
				}
				if rt.Config.Repair.Enabled {
					sched := &repair.Scheduler{
						Sweeper:  rt.Engine,
						Schedule: rt.Config.Repair.Schedule,
						Log:      rt.Log.With().Str("component", "repair").Logger(),
					}
					if err := sched.Start(ctx); err != nil {
						return err
					}
					defer sched.Stop()
					hcfg.Repair = sched
				}
				handler, err := server.New(hcfg)
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info().Str("addr", cfg.Addr).Str("base_path", cfg.BasePath).Msg("serving Taskline API (OpenAPI at openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", server.DefaultBasePath, "API base path")
	cmd.Flags().StringVar(&secret, "jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&legacy, "allow-legacy-header", false, "accept unauthenticated X-User-Id")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID int64
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return errors.New("--user required")
			}
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			token, err := server.SignToken(secret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 for no expiry")
	return cmd
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Unblock engine-blocked tasks whose dependencies are all resolved",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sched := &repair.Scheduler{Sweeper: rt.Engine, Log: rt.Log.Logger}
				rep, err := sched.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}

// --- helpers ---

func openRuntime(ctx context.Context, skipSeed bool) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogOutput:  os.Stderr,
		SkipSeed:   skipSeed,
	})
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := openRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func actorID() int64 { return viper.GetInt64("actor") }

// projectScope reads --project; zero selects the global scope.
func projectScope() (domain.Scope, *int64) {
	p := viper.GetInt64("project")
	if p <= 0 {
		return domain.GlobalScope(), nil
	}
	return domain.ProjectScope(p), &p
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}
