package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentdash/internal/config"
	"agentdash/internal/domain"
	"agentdash/internal/events"
	"agentdash/internal/repo"
)

// ErrInvalidParent is returned when a task names a parent that is missing, in another project, or not a feature.
var ErrInvalidParent = errors.New("parent must be an existing feature of the same project")

// ErrInvalidInput marks caller mistakes (missing title, unknown enum value).
var ErrInvalidInput = errors.New("invalid input")

// Engine owns every state mutation and the broadcast that follows it.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Publisher
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, pub events.Publisher) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: pub,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return domain.FormatTime(e.Now())
	}
	return domain.FormatTime(time.Now())
}

func (e Engine) publish(evt events.Event) {
	if e.Events != nil {
		e.Events.Publish(evt)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	Name        string
	Description string
	Status      string
	RepoOwner   string
	RepoName    string
	RepoBranch  string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, invalid("name is required")
	}
	if opts.Status == "" {
		opts.Status = domain.ProjectPlanning
	}
	if !validProjectStatus(opts.Status) {
		return domain.Project{}, invalid("unknown project status %q", opts.Status)
	}
	now := e.now()
	p := domain.Project{
		Name:        opts.Name,
		Description: opts.Description,
		Status:      opts.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.RepoOwner != "" {
		p.RepoOwner = &opts.RepoOwner
	}
	if opts.RepoName != "" {
		p.RepoName = &opts.RepoName
	}
	if opts.RepoBranch != "" {
		p.RepoBranch = &opts.RepoBranch
	}
	return e.Repo.InsertProject(ctx, p)
}

func (e Engine) UpdateProject(ctx context.Context, id int64, u repo.ProjectUpdate) (domain.Project, error) {
	if u.Status != nil && !validProjectStatus(*u.Status) {
		return domain.Project{}, invalid("unknown project status %q", *u.Status)
	}
	u.UpdatedAt = e.now()
	if err := e.Repo.UpdateProject(ctx, id, u); err != nil {
		return domain.Project{}, err
	}
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	e.publish(events.NewProjectUpdated(p))
	return p, nil
}

// DeleteProject removes the project; its tasks go with it through the foreign key cascade.
func (e Engine) DeleteProject(ctx context.Context, id int64) error {
	if err := e.Repo.DeleteProject(ctx, id); err != nil {
		return err
	}
	e.publish(events.NewProjectDeleted(id))
	return nil
}

func validProjectStatus(s string) bool {
	switch s {
	case domain.ProjectPlanning, domain.ProjectInProgress, domain.ProjectReview, domain.ProjectCompleted, domain.ProjectCancelled:
		return true
	}
	return false
}

func (e Engine) CreateAgent(ctx context.Context, name, role string) (domain.Agent, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Agent{}, invalid("name is required")
	}
	if !domain.Contains(domain.Roles, role) {
		return domain.Agent{}, invalid("unknown role %q", role)
	}
	a, err := e.Repo.InsertAgent(ctx, domain.Agent{Name: name, Role: role, Status: "online", CreatedAt: e.now()})
	if err != nil {
		return domain.Agent{}, err
	}
	e.publish(events.NewAgentCreated(a))
	return a, nil
}

func (e Engine) UpdateAgent(ctx context.Context, id int64, name, role, status *string) (domain.Agent, error) {
	if role != nil && !domain.Contains(domain.Roles, *role) {
		return domain.Agent{}, invalid("unknown role %q", *role)
	}
	if status != nil && *status != "online" && *status != "offline" {
		return domain.Agent{}, invalid("agent status must be online or offline")
	}
	if err := e.Repo.UpdateAgent(ctx, id, name, role, status); err != nil {
		return domain.Agent{}, err
	}
	a, err := e.Repo.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	e.publish(events.NewAgentUpdated(a))
	return a, nil
}

// TaskCreateOptions are parameters for creating a task or feature.
type TaskCreateOptions struct {
	ProjectID     int64
	ParentID      *int64
	Title         string
	Description   string
	Status        string
	Priority      string
	AssignedTo    *int64
	EstimatedTime *float64
	IsFeature     bool
}

// CreateTask validates and stores a task, then broadcasts task_created or feature_created.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, invalid("title is required")
	}
	if opts.Status == "" {
		opts.Status = domain.TaskTodo
	}
	if !domain.Contains(domain.TaskStatuses, opts.Status) && !domain.Contains(domain.LegacyTaskStatuses, opts.Status) {
		return domain.Task{}, invalid("unknown task status %q", opts.Status)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !domain.Contains(domain.Priorities, opts.Priority) {
		return domain.Task{}, invalid("unknown priority %q", opts.Priority)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, fmt.Errorf("project %d: %w", opts.ProjectID, err)
	}
	if opts.ParentID != nil {
		parent, err := e.Repo.GetTask(ctx, *opts.ParentID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("%w: task %d does not exist", ErrInvalidParent, *opts.ParentID)
		}
		if err != nil {
			return domain.Task{}, err
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Task{}, fmt.Errorf("%w: task %d belongs to project %d", ErrInvalidParent, parent.ID, parent.ProjectID)
		}
		if !parent.IsFeature {
			return domain.Task{}, fmt.Errorf("%w: task %d is not a feature", ErrInvalidParent, parent.ID)
		}
	}
	if opts.AssignedTo != nil {
		if _, err := e.Repo.GetAgent(ctx, *opts.AssignedTo); err != nil {
			return domain.Task{}, fmt.Errorf("assignee %d: %w", *opts.AssignedTo, err)
		}
	}
	now := e.now()
	t := domain.Task{
		ProjectID:     opts.ProjectID,
		ParentID:      opts.ParentID,
		Title:         strings.TrimSpace(opts.Title),
		Description:   opts.Description,
		Status:        opts.Status,
		Priority:      opts.Priority,
		AssignedTo:    opts.AssignedTo,
		EstimatedTime: opts.EstimatedTime,
		IsFeature:     opts.IsFeature,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t, err := e.Repo.InsertTask(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	e.publish(events.NewTaskCreated(t))
	return t, nil
}

// SetTaskState persists a status/progress transition and broadcasts task_updated.
func (e Engine) SetTaskState(ctx context.Context, t domain.Task, status string, progress int) (domain.Task, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	t.Status = status
	t.Progress = progress
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTaskState(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("update task %d: %w", t.ID, err)
	}
	e.publish(events.NewTaskUpdated(t))
	return t, nil
}

// AppendLog stores a journal entry and broadcasts log_created. A zero timestamp is filled with now.
func (e Engine) AppendLog(ctx context.Context, l domain.Log) (domain.Log, error) {
	if l.Type == "" {
		l.Type = domain.LogInfo
	}
	if l.Timestamp == "" {
		l.Timestamp = e.now()
	}
	l, err := e.Repo.InsertLog(ctx, l)
	if err != nil {
		return domain.Log{}, err
	}
	e.publish(events.NewLogCreated(l))
	return l, nil
}

// Checkpoint returns the progress an agent of role reaches on assignment.
func (e Engine) Checkpoint(role string) int {
	if e.Config != nil {
		if v, ok := e.Config.ProgressCheckpoints[role]; ok {
			return v
		}
	}
	return config.Default().ProgressCheckpoints[role]
}

// AutoProgress is the one-shot update applied when a task is created already in progress with an assignee.
// It raises progress to the assignee's role checkpoint and never lowers it. It is separate from the task run
// state machine and leaves the status alone.
func (e Engine) AutoProgress(ctx context.Context, taskID int64) (domain.Task, bool, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, false, err
	}
	if t.Status != domain.TaskInProgress || t.AssignedTo == nil {
		return t, false, nil
	}
	a, err := e.Repo.GetAgent(ctx, *t.AssignedTo)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("assignee %d: %w", *t.AssignedTo, err)
	}
	target := e.Checkpoint(a.Role)
	if target <= t.Progress {
		return t, false, nil
	}
	t, err = e.SetTaskState(ctx, t, t.Status, target)
	if err != nil {
		return domain.Task{}, false, err
	}
	pid := t.ProjectID
	aid := a.ID
	if _, err := e.AppendLog(ctx, domain.Log{
		ProjectID: &pid,
		AgentID:   &aid,
		Type:      domain.LogInfo,
		Message:   fmt.Sprintf("Agent %s is working on task %q (%d%%)", a.Name, t.Title, t.Progress),
	}); err != nil {
		return t, true, err
	}
	return t, true, nil
}

// IssueCreateOptions are parameters for recording an issue against a task.
type IssueCreateOptions struct {
	TaskID      int64
	Type        string
	Title       string
	Description string
	Code        *string
	Solution    *string
}

func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Issue{}, invalid("title is required")
	}
	if opts.Type == "" {
		opts.Type = domain.IssueError
	}
	if opts.Type != domain.IssueError && opts.Type != domain.IssueWarning {
		return domain.Issue{}, invalid("unknown issue type %q", opts.Type)
	}
	if _, err := e.Repo.GetTask(ctx, opts.TaskID); err != nil {
		return domain.Issue{}, fmt.Errorf("task %d: %w", opts.TaskID, err)
	}
	return e.Repo.InsertIssue(ctx, domain.Issue{
		TaskID:      opts.TaskID,
		Type:        opts.Type,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		Code:        opts.Code,
		Solution:    opts.Solution,
	})
}

func (e Engine) ResolveIssue(ctx context.Context, id int64, resolved bool) (domain.Issue, error) {
	if err := e.Repo.SetIssueResolved(ctx, id, resolved); err != nil {
		return domain.Issue{}, fmt.Errorf("issue %d: %w", id, err)
	}
	return e.Repo.GetIssue(ctx, id)
}
