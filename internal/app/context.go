// Package app assembles the runtime from a workspace: database, config, broadcaster, engine and pipeline.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"agentdash/internal/agent"
	"agentdash/internal/config"
	"agentdash/internal/db"
	"agentdash/internal/domain"
	"agentdash/internal/engine"
	"agentdash/internal/events"
	"agentdash/internal/extract"
	"agentdash/internal/llm"
	"agentdash/internal/logging"
	"agentdash/internal/migrate"
	"agentdash/internal/pipeline"
	"agentdash/internal/queue"
	"agentdash/internal/repo"
	"agentdash/internal/vcs"
)

// Options select the workspace and overrides used to build an App.
type Options struct {
	Workspace  string
	ConfigPath string
	Verbose    bool
	// Completer replaces the provider built from config.
	Completer llm.Completer
	// Committer replaces the GitHub committer built from config.
	Committer vcs.Committer
	// EnqueueOnly skips provider setup. The pipeline can accept jobs but any job it
	// processes fails with ErrEnqueueOnly.
	EnqueueOnly bool
}

// ErrEnqueueOnly is returned by the model of an App opened with EnqueueOnly.
var ErrEnqueueOnly = errors.New("app opened in enqueue-only mode")

// App is a fully wired runtime. Close releases everything it opened.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Logger   *zap.Logger
	Hub      *events.Hub
	Engine   engine.Engine
	Pipeline *pipeline.Pipeline

	nc *nats.Conn
}

// Open loads config, opens and migrates the workspace database and wires the pipeline.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(opts.Verbose)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{DB: conn, Config: cfg, Logger: logger, Hub: events.NewHub()}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

func (a *App) build(ctx context.Context, opts Options) error {
	n, err := migrate.Migrate(ctx, a.DB)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if n > 0 {
		a.Logger.Info("applied migrations", zap.Int("count", n))
	}
	a.Engine = engine.New(a.DB, a.Config, a.Hub)

	model := opts.Completer
	if model == nil && opts.EnqueueOnly {
		model = llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
			return "", ErrEnqueueOnly
		})
	}
	if model == nil {
		if model, err = llm.New(ctx, a.Config.LLM); err != nil {
			return err
		}
	}
	committer := opts.Committer
	if committer == nil {
		committer = a.committer()
	}
	msgT, taskT, err := a.transports(ctx)
	if err != nil {
		return err
	}
	q := a.Config.Queues
	a.Pipeline = pipeline.New(pipeline.Options{
		Engine:           a.Engine,
		Responder:        agent.Responder{LLM: model, Config: a.Config},
		Extractor:        extract.Extractor{LLM: model, Logger: a.Logger.Named("extract")},
		Classifier:       extract.ForPolicy(a.Config.Extraction.Policy),
		Committer:        committer,
		Logger:           a.Logger.Named("pipeline"),
		MessageTransport: msgT,
		TaskTransport:    taskT,
		MessagePolicy:    queue.PolicyFrom(q.Message),
		TaskPolicy:       queue.PolicyFrom(q.Task),
		MessageWorkers:   q.Message.Workers,
		TaskWorkers:      q.Task.Workers,
		PollInterval:     q.PollInterval,
		HistoryLimit:     a.Config.Context.HistoryLimit,
	})
	return nil
}

// committer returns nil when no token is configured; task runs then skip the commit step.
func (a *App) committer() vcs.Committer {
	env := a.Config.GitHub.TokenEnv
	if env == "" {
		return nil
	}
	token := os.Getenv(env)
	if token == "" {
		a.Logger.Debug("repository commits disabled", zap.String("token_env", env))
		return nil
	}
	return vcs.NewGitHub(a.Config.GitHub.APIURL, token)
}

func (a *App) transports(ctx context.Context) (queue.Transport, queue.Transport, error) {
	q := a.Config.Queues
	if q.Backend != "jetstream" {
		r := repo.Repo{DB: a.DB}
		return queue.SQLite{Repo: r, Queue: pipeline.MessageQueue}, queue.SQLite{Repo: r, Queue: pipeline.TaskQueue}, nil
	}
	nc, err := nats.Connect(q.NatsURL, nats.Name("agentdash"))
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	a.nc = nc
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	fetchWait := q.PollInterval
	if fetchWait < time.Second {
		fetchWait = time.Second
	}
	msgT, err := queue.NewJetStream(ctx, js, q.Stream, pipeline.MessageQueue, q.Message.Attempts, 5*time.Minute, fetchWait)
	if err != nil {
		return nil, nil, err
	}
	taskT, err := queue.NewJetStream(ctx, js, q.Stream, pipeline.TaskQueue, q.Task.Attempts, 15*time.Minute, fetchWait)
	if err != nil {
		return nil, nil, err
	}
	return msgT, taskT, nil
}

// Close shuts the broadcaster and releases connections.
func (a *App) Close() error {
	a.Hub.Close()
	if a.nc != nil {
		a.nc.Close()
	}
	_ = a.Logger.Sync()
	return a.DB.Close()
}

// ResolveProject finds a project by numeric id or exact name. An empty ref picks
// the only project of the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, ref string) (domain.Project, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return r.GetProject(ctx, id)
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if ref == "" {
		if len(projects) == 1 {
			return projects[0], nil
		}
		return domain.Project{}, errors.New("project not specified; use --project")
	}
	for _, p := range projects {
		if p.Name == ref {
			return p, nil
		}
	}
	return domain.Project{}, fmt.Errorf("project %q: %w", ref, repo.ErrNotFound)
}
