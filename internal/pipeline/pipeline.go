// Package pipeline wires the message and task queues to the agents, the extractor and the broadcaster.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentdash/internal/agent"
	"agentdash/internal/domain"
	"agentdash/internal/engine"
	"agentdash/internal/events"
	"agentdash/internal/extract"
	"agentdash/internal/queue"
	"agentdash/internal/vcs"
)

// Queue names.
const (
	MessageQueue = "message"
	TaskQueue    = "task"
)

// MessageJob asks an agent to answer a message posted into a project conversation.
type MessageJob struct {
	Message       string `json:"message"`
	AgentID       *int64 `json:"agentId"`
	ProjectID     int64  `json:"projectId"`
	TargetAgentID *int64 `json:"targetAgentId,omitempty"`
	// JobID, when set, is the queue job id. Reusing it for a different message fails with
	// queue.ErrDuplicateJob; resubmitting the same message is a no-op.
	JobID string `json:"jobId,omitempty"`
}

// TaskJob asks an agent to work a task through to completion.
type TaskJob struct {
	TaskID  int64 `json:"taskId"`
	AgentID int64 `json:"agentId"`
}

// Responder produces an agent's reply.
type Responder interface {
	Respond(ctx context.Context, a domain.Agent, prompt string, b agent.ContextBundle) (string, error)
}

// Extractor turns a reply into work items. It never fails.
type Extractor interface {
	Extract(ctx context.Context, text string, projectID int64) []extract.WorkItem
}

// Options configures a Pipeline. Transports are required; the rest has defaults.
type Options struct {
	Engine     engine.Engine
	Responder  Responder
	Extractor  Extractor
	Classifier extract.Classifier
	Committer  vcs.Committer
	Logger     *zap.Logger

	MessageTransport queue.Transport
	TaskTransport    queue.Transport
	MessagePolicy    queue.RetryPolicy
	TaskPolicy       queue.RetryPolicy
	MessageWorkers   int
	TaskWorkers      int
	PollInterval     time.Duration

	HistoryLimit int
}

// Pipeline owns both queues. Every state change goes through Engine, which broadcasts it.
type Pipeline struct {
	engine       engine.Engine
	responder    Responder
	extractor    Extractor
	classifier   extract.Classifier
	committer    vcs.Committer
	logger       *zap.Logger
	historyLimit int

	messages *queue.Queue
	tasks    *queue.Queue
}

// New wires both queues to the pipeline handlers.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Classifier == nil {
		opts.Classifier = extract.PatternClassifier{}
	}
	if opts.HistoryLimit < 1 {
		opts.HistoryLimit = 10
	}
	p := &Pipeline{
		engine:       opts.Engine,
		responder:    opts.Responder,
		extractor:    opts.Extractor,
		classifier:   opts.Classifier,
		committer:    opts.Committer,
		logger:       logger,
		historyLimit: opts.HistoryLimit,
	}
	p.messages = queue.New(MessageQueue, opts.MessageTransport, p.handleMessage, queue.Options{
		Workers:      opts.MessageWorkers,
		Policy:       opts.MessagePolicy,
		PollInterval: opts.PollInterval,
		Logger:       logger,
		Hooks: queue.Hooks{
			OnStart:        p.messageStarted,
			OnSuccess:      p.messageSucceeded,
			OnFinalFailure: p.messageFailed,
		},
	})
	p.tasks = queue.New(TaskQueue, opts.TaskTransport, p.handleTaskRun, queue.Options{
		Workers:      opts.TaskWorkers,
		Policy:       opts.TaskPolicy,
		PollInterval: opts.PollInterval,
		Logger:       logger,
	})
	return p
}

// EnqueueMessage accepts a message job. A non-empty JobID doubles as the queue job id and is echoed in
// processing events.
func (p *Pipeline) EnqueueMessage(ctx context.Context, m MessageJob) (queue.Job, error) {
	if m.ProjectID == 0 {
		return queue.Job{}, fmt.Errorf("%w: projectId is required", engine.ErrInvalidInput)
	}
	return p.messages.Enqueue(ctx, m.JobID, m)
}

// EnqueueTaskRun accepts a task job.
func (p *Pipeline) EnqueueTaskRun(ctx context.Context, t TaskJob) (queue.Job, error) {
	if t.TaskID == 0 || t.AgentID == 0 {
		return queue.Job{}, fmt.Errorf("%w: taskId and agentId are required", engine.ErrInvalidInput)
	}
	return p.tasks.Enqueue(ctx, "", t)
}

// Run processes both queues until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.messages.Run(gctx) })
	g.Go(func() error { return p.tasks.Run(gctx) })
	return g.Wait()
}

// Drain processes ready jobs of both queues until neither has work left.
func (p *Pipeline) Drain(ctx context.Context) error {
	for {
		m, err := p.messages.Drain(ctx)
		if err != nil {
			return err
		}
		t, err := p.tasks.Drain(ctx)
		if err != nil {
			return err
		}
		if m+t == 0 {
			return nil
		}
	}
}

func (p *Pipeline) now() time.Time {
	if p.engine.Now != nil {
		return p.engine.Now()
	}
	return time.Now()
}

func (p *Pipeline) publish(evt events.Event) {
	if p.engine.Events != nil {
		p.engine.Events.Publish(evt)
	}
}

// logError appends an error entry to the project journal. Failures to do so are only logged.
func (p *Pipeline) logError(ctx context.Context, projectID int64, agentID *int64, msg string, cause error) {
	var details *string
	if cause != nil {
		s := cause.Error()
		details = &s
	}
	if _, err := p.engine.AppendLog(ctx, domain.Log{
		ProjectID: &projectID,
		AgentID:   agentID,
		Type:      domain.LogError,
		Message:   msg,
		Details:   details,
	}); err != nil {
		p.logger.Error("append error log", zap.Int64("project_id", projectID), zap.Error(err))
	}
}

func (p *Pipeline) logInfo(ctx context.Context, projectID int64, agentID *int64, msg string) error {
	_, err := p.engine.AppendLog(ctx, domain.Log{ProjectID: &projectID, AgentID: agentID, Type: domain.LogInfo, Message: msg})
	return err
}
