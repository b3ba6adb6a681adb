package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"agentdash/internal/domain"
	"agentdash/internal/engine"
	"agentdash/internal/events"
	"agentdash/internal/extract"
	"agentdash/internal/queue"
	"agentdash/internal/repo"
)

// ErrNoResponder is returned when a project conversation has nobody to answer it.
var ErrNoResponder = errors.New("no agent available to respond")

func (p *Pipeline) handleMessage(ctx context.Context, job queue.Job) error {
	var m MessageJob
	if err := job.Decode(&m); err != nil {
		return err
	}
	project, err := p.engine.Repo.GetProject(ctx, m.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("project %d: %w", m.ProjectID, err))
	}
	if err != nil {
		return err
	}
	responder, err := p.resolveResponder(ctx, m)
	if err != nil {
		return err
	}
	bundle, err := p.BuildContext(ctx, project.ID)
	if err != nil {
		return err
	}
	reply, err := p.responder.Respond(ctx, responder, m.Message, bundle)
	if err != nil {
		return err
	}
	if _, err := p.engine.AppendLog(ctx, domain.Log{
		ProjectID:     &project.ID,
		AgentID:       &responder.ID,
		TargetAgentID: m.AgentID,
		Type:          domain.LogConversation,
		Message:       reply,
	}); err != nil {
		return fmt.Errorf("store reply: %w", err)
	}
	// The reply is committed; nothing below may fail the job.
	p.createWorkItems(ctx, project, responder, m.Message, reply)
	return nil
}

// resolveResponder picks the target agent when one is named, otherwise the coordinator.
func (p *Pipeline) resolveResponder(ctx context.Context, m MessageJob) (domain.Agent, error) {
	if m.TargetAgentID != nil {
		a, err := p.engine.Repo.GetAgent(ctx, *m.TargetAgentID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Agent{}, queue.Permanent(fmt.Errorf("%w: agent %d does not exist", ErrNoResponder, *m.TargetAgentID))
		}
		return a, err
	}
	a, err := p.engine.Repo.FirstAgentByRole(ctx, domain.RoleCoordinator)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Agent{}, queue.Permanent(fmt.Errorf("%w: project has no coordinator", ErrNoResponder))
	}
	return a, err
}

func (p *Pipeline) createWorkItems(ctx context.Context, project domain.Project, by domain.Agent, message, reply string) {
	if p.extractor == nil || !p.classifier.ShouldExtract(message, reply) {
		return
	}
	items := p.extractor.Extract(ctx, reply, project.ID)
	log := p.logger.With(zap.Int64("project_id", project.ID))
	for _, it := range items {
		if it.AssignedTo != nil {
			if _, err := p.engine.Repo.GetAgent(ctx, *it.AssignedTo); err != nil {
				log.Warn("dropping unknown assignee", zap.Int64("agent_id", *it.AssignedTo), zap.String("title", it.Title), zap.Error(err))
				it.AssignedTo = nil
			}
		}
		task, err := p.engine.CreateTask(ctx, taskOptions(project.ID, it))
		if err != nil {
			log.Warn("work item rejected", zap.String("title", it.Title), zap.Error(err))
			p.logError(ctx, project.ID, &by.ID, fmt.Sprintf("Could not create %q", it.Title), err)
			continue
		}
		kind := "task"
		if task.IsFeature {
			kind = "feature"
		}
		if err := p.logInfo(ctx, project.ID, &by.ID, fmt.Sprintf("Agent %s created %s #%d %q", by.Name, kind, task.ID, task.Title)); err != nil {
			log.Error("append info log", zap.Error(err))
		}
		if task.AssignedTo == nil {
			continue
		}
		if _, err := p.EnqueueTaskRun(ctx, TaskJob{TaskID: task.ID, AgentID: *task.AssignedTo}); err != nil {
			log.Error("enqueue task run", zap.Int64("task_id", task.ID), zap.Error(err))
			p.logError(ctx, project.ID, &by.ID, fmt.Sprintf("Could not schedule %s #%d", kind, task.ID), err)
		}
	}
}

func taskOptions(projectID int64, it extract.WorkItem) engine.TaskCreateOptions {
	return engine.TaskCreateOptions{
		ProjectID:     projectID,
		ParentID:      it.ParentID,
		Title:         it.Title,
		Description:   it.Description,
		Status:        it.Status,
		Priority:      it.Priority,
		AssignedTo:    it.AssignedTo,
		EstimatedTime: it.EstimatedTime,
		IsFeature:     it.IsFeature,
	}
}

func (p *Pipeline) messageStarted(_ context.Context, job queue.Job) {
	var m MessageJob
	if job.Attempt != 1 || job.Decode(&m) != nil || m.JobID == "" {
		return
	}
	p.publish(events.NewProcessing(events.ProcessingStarted, m.JobID, "", p.now()))
}

func (p *Pipeline) messageSucceeded(_ context.Context, job queue.Job) {
	var m MessageJob
	if job.Decode(&m) != nil || m.JobID == "" {
		return
	}
	p.publish(events.NewProcessing(events.ProcessingCompleted, m.JobID, "", p.now()))
}

func (p *Pipeline) messageFailed(ctx context.Context, job queue.Job, cause error) {
	var m MessageJob
	if job.Decode(&m) != nil {
		return
	}
	if _, err := p.engine.Repo.GetProject(ctx, m.ProjectID); err == nil {
		p.logError(ctx, m.ProjectID, nil, "Could not process message", cause)
	}
	if m.JobID != "" {
		p.publish(events.NewProcessing(events.ProcessingFailed, m.JobID, cause.Error(), p.now()))
	}
}
