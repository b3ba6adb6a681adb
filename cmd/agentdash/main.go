package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentdash/internal/app"
	"agentdash/internal/config"
	"agentdash/internal/db"
	"agentdash/internal/domain"
	"agentdash/internal/engine"
	"agentdash/internal/migrate"
	"agentdash/internal/pipeline"
	"agentdash/internal/repo"
	"agentdash/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "agentdash",
	Short: "agentdash CLI",
	Long: `agentdash runs a small team of AI agents against your projects.
Core concepts:
- Workspace: the .agentdash directory holding the SQLite database; agentdash.yml next to it configures models, queues and roles.
- Project: a body of work, optionally bound to a repository where developer agents commit their notes.
- Agents: team members with a role (coordinator, developer, qa, tester, designer).
- Messages: posted into a project conversation and answered asynchronously by the coordinator or a target agent; answers that enumerate work become tasks.
- Tasks: work items, grouped under features, that an assigned agent drives from in_progress to completed.
- Log: the project journal of conversation, info and error entries, view it with 'agentdash log tail'.`,
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
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTDASH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("config", "", "config file (default <workspace>/agentdash.yml)")
	flags.StringP("project", "p", "", "project id or name")
	flags.BoolP("verbose", "v", false, "debug logging")
	for _, name := range []string{"workspace", "json", "config", "project", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the queue workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			lock := flock.New(db.LockPath(workspace))
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("lock %s: %w", lock.Path(), err)
			}
			if !locked {
				return fmt.Errorf("another agentdash serve is running on workspace %s", workspace)
			}
			defer lock.Unlock()

			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
				addr = a.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Pipeline: a.Pipeline,
				Hub:      a.Hub,
				BasePath: basePath,
				Logger:   a.Logger.Named("http"),
			})
			if err != nil {
				return err
			}
			hooks := server.NewWebhookDispatcher(a.Hub, a.Config.Webhooks, a.Logger.Named("webhooks"))

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return a.Pipeline.Run(ctx) })
			if hooks != nil {
				g.Go(func() error { return hooks.Run(ctx) })
			}
			g.Go(func() error {
				<-ctx.Done()
				// Streams only end when the hub closes.
				a.Hub.Close()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				a.Logger.Info("serving agentdash API", zap.String("addr", addr), zap.String("base_path", basePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			fmt.Printf("Serving agentdash API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": n})
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage agentdash.yml",
		Long:  "Config selects the model provider, the queue backend and retry policies, the extraction policy, role prompts, progress checkpoints and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default agentdash.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Status, "status", "", "planning, in_progress, review, completed or cancelled")
	cmd.Flags().StringVar(&opts.RepoOwner, "repo-owner", "", "repository owner")
	cmd.Flags().StringVar(&opts.RepoName, "repo-name", "", "repository name")
	cmd.Flags().StringVar(&opts.RepoBranch, "repo-branch", "", "repository branch (default main)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Status", "Repository"})
				for _, p := range items {
					repository := ""
					if p.HasRepository() {
						repository = *p.RepoOwner + "/" + *p.RepoName
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, repository})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var name, description, status, owner, repoName, branch string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the selected project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				changed := func(flag, v string) *string {
					if cmd.Flags().Changed(flag) {
						return &v
					}
					return nil
				}
				p, err = e.UpdateProject(ctx, p.ID, repo.ProjectUpdate{
					Name:        changed("name", name),
					Description: changed("description", description),
					Status:      changed("status", status),
					RepoOwner:   changed("repo-owner", owner),
					RepoName:    changed("repo-name", repoName),
					RepoBranch:  changed("repo-branch", branch),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&owner, "repo-owner", "", "repository owner")
	cmd.Flags().StringVar(&repoName, "repo-name", "", "repository name")
	cmd.Flags().StringVar(&branch, "repo-branch", "", "repository branch")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the selected project with its tasks and logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				if err := e.DeleteProject(ctx, p.ID); err != nil {
					return err
				}
				fmt.Printf("deleted project %d (%s)\n", p.ID, p.Name)
				return nil
			})
		},
	}
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Manage agents"}
	ag.AddCommand(agentCreateCmd())
	ag.AddCommand(agentListCmd())
	ag.AddCommand(agentStatusCmd())
	return ag
}

func agentCreateCmd() *cobra.Command {
	var name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAgent(ctx, name, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&role, "role", "", strings.Join(domain.Roles, ", "))
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Role", "Status"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <agent-id> <online|offline>",
		Short: "Set an agent's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			status := args[1]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAgent(ctx, id, nil, nil, &status)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks belong to a project and may sit under a feature. A task run lets the assigned agent work it through to completion.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskRunCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var (
		opts     engine.TaskCreateOptions
		parent   int64
		assignee int64
		estimate float64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task or feature in the selected project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				opts.ProjectID = p.ID
				if cmd.Flags().Changed("parent") {
					opts.ParentID = &parent
				}
				if cmd.Flags().Changed("assign") {
					opts.AssignedTo = &assignee
				}
				if cmd.Flags().Changed("estimate") {
					opts.EstimatedTime = &estimate
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				if t.Status == domain.TaskInProgress && t.AssignedTo != nil {
					if t, _, err = e.AutoProgress(ctx, t.ID); err != nil {
						return err
					}
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status (default todo)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().BoolVar(&opts.IsFeature, "feature", false, "create a feature")
	cmd.Flags().Int64Var(&parent, "parent", 0, "parent feature id")
	cmd.Flags().Int64Var(&assignee, "assign", 0, "assignee agent id")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "estimated hours")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks of the selected project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				f.ProjectID = p.ID
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Title", "Kind", "Status", "Priority", "Progress", "Assignee", "Parent"})
				for _, t := range tasks {
					kind := "task"
					if t.IsFeature {
						kind = "feature"
					}
					tw.AppendRow(table.Row{t.ID, t.Title, kind, t.Status, t.Priority, fmt.Sprintf("%d%%", t.Progress), optionalID(t.AssignedTo), optionalID(t.ParentID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func taskRunCmd() *cobra.Command {
	var (
		agentID int64
		drain   bool
	)
	cmd := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Queue a task run for its assignee or --agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withPipeline(cmd.Context(), drain, func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Repo.GetTask(ctx, taskID)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("agent") {
					if t.AssignedTo == nil {
						return fmt.Errorf("task %d is unassigned; use --agent", t.ID)
					}
					agentID = *t.AssignedTo
				}
				job, err := a.Pipeline.EnqueueTaskRun(ctx, pipeline.TaskJob{TaskID: t.ID, AgentID: agentID})
				if err != nil {
					return err
				}
				fmt.Printf("queued task run %s\n", job.ID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&agentID, "agent", 0, "agent id (default assignee)")
	cmd.Flags().BoolVar(&drain, "drain", false, "process queued jobs before returning")
	return cmd
}

func messageCmd() *cobra.Command {
	msg := &cobra.Command{Use: "message", Short: "Talk to the team"}
	msg.AddCommand(messageSendCmd())
	return msg
}

func messageSendCmd() *cobra.Command {
	var (
		target int64
		author int64
		drain  bool
	)
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Post a message into the selected project conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withPipeline(cmd.Context(), drain, func(ctx context.Context, a *app.App) error {
				p, err := app.ResolveProject(ctx, a.Engine.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				m := pipeline.MessageJob{Message: text, ProjectID: p.ID}
				if cmd.Flags().Changed("target") {
					m.TargetAgentID = &target
				}
				if cmd.Flags().Changed("as") {
					m.AgentID = &author
				}
				if _, err := a.Engine.AppendLog(ctx, domain.Log{
					ProjectID:     &p.ID,
					AgentID:       m.AgentID,
					TargetAgentID: m.TargetAgentID,
					Type:          domain.LogConversation,
					Message:       text,
				}); err != nil {
					return err
				}
				job, err := a.Pipeline.EnqueueMessage(ctx, m)
				if err != nil {
					return err
				}
				fmt.Printf("queued message %s\n", job.ID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&target, "target", 0, "agent that should answer (default coordinator)")
	cmd.Flags().Int64Var(&author, "as", 0, "author agent id (default user)")
	cmd.Flags().BoolVar(&drain, "drain", false, "process queued jobs before returning")
	return cmd
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect queued jobs"}
	jobs.AddCommand(jobsListCmd())
	return jobs
}

func jobsListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Queue", "Status", "Attempts", "Run at", "Last error"})
				for _, j := range items {
					lastErr := ""
					if j.LastError != nil {
						lastErr = *j.LastError
					}
					tw.AppendRow(table.Row{j.ID, j.Queue, j.Status, fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), j.RunAt, lastErr})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Queue, "queue", "", "message or task")
	cmd.Flags().StringVar(&f.Status, "status", "", "pending, running, completed or failed")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max jobs")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the project journal"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.LogFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest log entries of the selected project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				f.ProjectID = p.ID
				logs, err := e.Repo.ListLogs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				agents, err := e.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				for _, line := range pipeline.FormatHistory(logs, agents) {
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.Type, "type", "", "conversation, info, error or system")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, nil))
}

func openApp(ctx context.Context, enqueueOnly bool) (*app.App, error) {
	return app.Open(ctx, app.Options{
		Workspace:   viper.GetString("workspace"),
		ConfigPath:  viper.GetString("config"),
		Verbose:     viper.GetBool("verbose"),
		EnqueueOnly: enqueueOnly,
	})
}

// withPipeline runs fn against a wired App. With drain it also processes every
// queued job, unless a serve process holds the workspace lock.
func withPipeline(ctx context.Context, drain bool, fn func(context.Context, *app.App) error) error {
	var lock *flock.Flock
	if drain {
		lock = flock.New(db.LockPath(viper.GetString("workspace")))
		locked, err := lock.TryLock()
		if err != nil {
			return err
		}
		if !locked {
			fmt.Fprintln(os.Stderr, "serve is running on this workspace; the job is left to it")
			drain = false
		} else {
			defer lock.Unlock()
		}
	}
	a, err := openApp(ctx, !drain)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := fn(ctx, a); err != nil {
		return err
	}
	if !drain {
		return nil
	}
	return a.Pipeline.Drain(ctx)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
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

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func optionalID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}
