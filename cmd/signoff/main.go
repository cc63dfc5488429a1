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
	"go.uber.org/zap"

	"signoff/internal/app"
	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/repo"
	"signoff/internal/server"
	"signoff/internal/tracing"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "signoff",
	Short: "Signoff approval workflow CLI",
	Long: `Signoff routes artifacts through one or two levels of approval.
- Workspace: the .signoff directory holding the database; signoff.yml sits next to it.
- Project: groups members (who create artifacts), sponsors (level 1 approvers) and approvers (level 2).
- Artifact: anything under approval, addressed as kind:id (for example achievement:ach-1).
- Process: one approval round at one level. Its flow type decides how approver tasks combine:
  SINGLE waits for one approver, JOIN waits for all, OR finishes on the first answer.
- Tasks: the creator's submission marker plus one pending task per approver.
- Permissions: a ledger of (user, permission, artifact) rows rewritten as the process moves.
- Event log: every change, view with 'signoff log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIGNOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user id")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(decisionCmd("withdraw", "Withdraw the latest process of an artifact", engine.Handler.Withdraw))
	rootCmd.AddCommand(decisionCmd("approve", "Approve your pending task on an artifact", engine.Handler.Approve))
	rootCmd.AddCommand(decisionCmd("deny", "Deny your pending task on an artifact", engine.Handler.Deny))
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(permsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage signoff.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default signoff.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate signoff.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(userCreateCmd())
	usr.AddCommand(userListCmd())
	return usr
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		Long:  "Creates a user. Requires a manager role (secretary, admin, dev) unless the workspace has no users yet.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.RequireManager(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				opts.ActorID = actor.ID
				u, err := rt.Engine.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Role, "role", domain.RoleWorker, "role")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				users, err := rt.Engine.Repo.ListUsers(ctx, nil, roles...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Name", "Role", "Created")
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role filter (repeatable)")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectAddMemberCmd())
	prj.AddCommand(projectStatusCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project issued by the acting manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.RequireManager(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				opts.IssuerID = actor.ID
				p, err := rt.Engine.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringSliceVar(&opts.Members, "member", nil, "member user id (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Sponsors, "sponsor", nil, "level 1 approver user id (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Approvers, "approver", nil, "level 2 approver user id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListProjects(ctx, nil)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Status", "Issuer", "Sponsors", "Approvers")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.IssuerID, strings.Join(p.Sponsors, ","), strings.Join(p.Approvers, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.Repo.GetProject(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectAddMemberCmd() *cobra.Command {
	var userID, kind string
	cmd := &cobra.Command{
		Use:   "add-member <project-id>",
		Short: "Add a member, sponsor or approver to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.RequireManager(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				p, err := rt.Engine.AddProjectMember(ctx, args[0], userID, kind, actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&kind, "kind", domain.MemberWorker, "member, sponsor or approver")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func projectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id> <NEW|START|END|LOCK>",
		Short: "Change a project's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.RequireManager(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				p, err := rt.Engine.SetProjectStatus(ctx, args[0], strings.ToUpper(args[1]), actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{
		Use:   "artifact",
		Short: "Manage artifacts",
		Long:  "Artifacts are the things being approved. They are addressed as kind:id and start in state 1 (new).",
	}
	art.AddCommand(artifactCreateCmd())
	art.AddCommand(artifactListCmd())
	art.AddCommand(artifactShowCmd())
	return art
}

func artifactCreateCmd() *cobra.Command {
	var opts engine.ArtifactCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an artifact owned by the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.ResolveActor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				opts.CreatorID = actor.ID
				a, err := rt.Engine.CreateArtifact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "artifact id (generated when empty)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "artifact kind")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func artifactListCmd() *cobra.Command {
	var f repo.ArtifactFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListArtifacts(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Ref", "Name", "Project", "Creator", "State", "Level 1", "Level 2", "Reviewed")
				for _, a := range items {
					tw.AppendRow(table.Row{a.Ref().String(), a.Name, a.ProjectID, a.CreatorID, a.State, a.Status1, a.Status2, a.IsReviewed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter (1-5)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func artifactShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind:id>",
		Short: "Show an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.Repo.GetArtifact(ctx, nil, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: submissions, decisions, permission changes and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				latest, err := rt.Engine.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				if f.AfterID == 0 && latest > int64(n) {
					f.AfterID = latest - int64(n)
				}
				f.Limit = n
				items, err := rt.Engine.Repo.ListEvents(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor", "Payload")
				for _, evt := range items {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += ":" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&f.AfterID, "after", 0, "only events after this id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys of the acting user"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is only shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.ResolveActor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				plain, key, err := rt.Engine.CreateAPIKey(ctx, actor.ID, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "name": key.Name, "actor_id": key.ActorID, "key": plain})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.ResolveActor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, actor.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var trace bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if trace {
					shutdown, err := tracing.Init("signoff", version, os.Stderr)
					if err != nil {
						return err
					}
					defer shutdown(context.Background())
				}
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt_secret"),
					AllowLegacyActorHeader: rt.Config.Server.AllowLegacyActorHeader,
					DevLogin:               rt.Config.Server.DevLogin,
					Logger:                 rt.Logger,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("SIGNOFF_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   rt.Logger,
					Version:  version,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, rt.Engine, rt.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving signoff API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Int("webhooks", len(rt.Config.Webhooks)))
				fmt.Printf("Serving Signoff API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from signoff.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from signoff.yml)")
	cmd.Flags().BoolVar(&trace, "trace", false, "write OpenTelemetry spans to stderr")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// parseRef splits "kind:id" into an artifact reference.
func parseRef(s string) (domain.ArtifactRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	ref := domain.ArtifactRef{Kind: kind, ID: id}
	if !ok || ref.IsZero() {
		return domain.ArtifactRef{}, fmt.Errorf("artifact %q must look like kind:id", s)
	}
	return ref, nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
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
