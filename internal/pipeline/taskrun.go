package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"agentdash/internal/domain"
	"agentdash/internal/queue"
	"agentdash/internal/repo"
	"agentdash/internal/vcs"
)

// Progress reached once the agent has replied about the task.
const midwayProgress = 50

func (p *Pipeline) handleTaskRun(ctx context.Context, job queue.Job) error {
	var tj TaskJob
	if err := job.Decode(&tj); err != nil {
		return err
	}
	task, err := p.engine.Repo.GetTask(ctx, tj.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("task %d: %w", tj.TaskID, err))
	}
	if err != nil {
		return err
	}
	a, err := p.engine.Repo.GetAgent(ctx, tj.AgentID)
	if errors.Is(err, repo.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("agent %d: %w", tj.AgentID, err))
	}
	if err != nil {
		return err
	}
	if task.IsFinished() {
		p.logger.Info("task already completed, skipping run", zap.Int64("task_id", task.ID), zap.String("job_id", job.ID))
		return nil
	}
	project, err := p.engine.Repo.GetProject(ctx, task.ProjectID)
	if err != nil {
		return queue.Permanent(fmt.Errorf("project %d: %w", task.ProjectID, err))
	}
	if err := p.runTask(ctx, project, a, task); err != nil {
		p.logError(ctx, project.ID, &a.ID, fmt.Sprintf("Agent %s failed to work on task %q", a.Name, task.Title), err)
		return err
	}
	return nil
}

// runTask drives a task through in_progress, the midway checkpoint and completed.
func (p *Pipeline) runTask(ctx context.Context, project domain.Project, a domain.Agent, task domain.Task) error {
	task.AssignedTo = &a.ID
	task, err := p.engine.SetTaskState(ctx, task, domain.TaskInProgress, task.Progress)
	if err != nil {
		return err
	}
	if err := p.logInfo(ctx, project.ID, &a.ID, fmt.Sprintf("Agent %s started working on task %q", a.Name, task.Title)); err != nil {
		return err
	}

	bundle, err := p.buildTaskContext(ctx, project, task)
	if err != nil {
		return err
	}
	prompt := fmt.Sprintf("I need to work on task %q. %s\nDescribe how you will complete it and what you produced.", task.Title, task.Description)
	reply, err := p.responder.Respond(ctx, a, prompt, bundle)
	if err != nil {
		return err
	}
	if _, err := p.engine.AppendLog(ctx, domain.Log{ProjectID: &project.ID, AgentID: &a.ID, Type: domain.LogConversation, Message: reply}); err != nil {
		return err
	}
	task, err = p.engine.SetTaskState(ctx, task, domain.TaskInProgress, max(task.Progress, midwayProgress))
	if err != nil {
		return err
	}

	if a.Role == domain.RoleDeveloper && project.HasRepository() && p.committer != nil {
		p.commitWork(ctx, project, a, task, reply)
	}

	task, err = p.engine.SetTaskState(ctx, task, domain.TaskCompleted, 100)
	if err != nil {
		return err
	}
	return p.logInfo(ctx, project.ID, &a.ID, fmt.Sprintf("Agent %s completed task %q", a.Name, task.Title))
}

// commitWork records the agent's notes in the bound repository. Failures are logged, never returned.
func (p *Pipeline) commitWork(ctx context.Context, project domain.Project, a domain.Agent, task domain.Task, notes string) {
	branch := "main"
	if project.RepoBranch != nil && *project.RepoBranch != "" {
		branch = *project.RepoBranch
	}
	req := vcs.CommitRequest{
		Owner:   *project.RepoOwner,
		Repo:    *project.RepoName,
		Path:    fmt.Sprintf("tasks/task-%d.md", task.ID),
		Content: taskDocument(task, a, notes),
		Message: fmt.Sprintf("Task #%d: %s", task.ID, task.Title),
		Branch:  branch,
	}
	sha, err := p.committer.Commit(ctx, req)
	if err != nil {
		p.logger.Warn("commit failed", zap.Int64("task_id", task.ID), zap.Error(err))
		p.logError(ctx, project.ID, &a.ID, fmt.Sprintf("Agent %s could not commit task %q to %s/%s", a.Name, task.Title, req.Owner, req.Repo), err)
		return
	}
	if err := p.logInfo(ctx, project.ID, &a.ID, fmt.Sprintf("Agent %s committed task %q to %s/%s@%s (%s)", a.Name, task.Title, req.Owner, req.Repo, branch, sha)); err != nil {
		p.logger.Error("append info log", zap.Error(err))
	}
}

func taskDocument(task domain.Task, a domain.Agent, notes string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", task.Title)
	if task.Description != "" {
		sb.WriteString(task.Description + "\n\n")
	}
	fmt.Fprintf(&sb, "Priority: %s\nAssignee: %s (%s)\n\n## Notes\n\n%s\n", task.Priority, a.Name, a.Role, notes)
	return sb.String()
}
