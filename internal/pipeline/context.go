package pipeline

import (
	"context"
	"fmt"
	"time"

	"agentdash/internal/agent"
	"agentdash/internal/domain"
	"agentdash/internal/repo"
)

const unknownTime = "unknown time"

// BuildContext assembles the reply context for a project conversation.
func (p *Pipeline) BuildContext(ctx context.Context, projectID int64) (agent.ContextBundle, error) {
	r := p.engine.Repo
	project, err := r.GetProject(ctx, projectID)
	if err != nil {
		return agent.ContextBundle{}, fmt.Errorf("project %d: %w", projectID, err)
	}
	tasks, err := r.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return agent.ContextBundle{}, fmt.Errorf("list tasks: %w", err)
	}
	agents, err := r.ListAgents(ctx)
	if err != nil {
		return agent.ContextBundle{}, fmt.Errorf("list agents: %w", err)
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return agent.ContextBundle{}, fmt.Errorf("list projects: %w", err)
	}
	logs, err := r.ListLogs(ctx, repo.LogFilters{ProjectID: projectID, Type: domain.LogConversation, Limit: p.historyLimit})
	if err != nil {
		return agent.ContextBundle{}, fmt.Errorf("list logs: %w", err)
	}
	return agent.ContextBundle{
		Project:     &project,
		Tasks:       tasks,
		Agents:      agents,
		History:     FormatHistory(logs, agents),
		AllProjects: projects,
	}, nil
}

// buildTaskContext assembles the context for working on one task: the task, its project, its siblings and the roster.
func (p *Pipeline) buildTaskContext(ctx context.Context, project domain.Project, task domain.Task) (agent.ContextBundle, error) {
	r := p.engine.Repo
	filters := repo.TaskFilters{ProjectID: project.ID}
	if task.ParentID != nil {
		filters.ParentID = *task.ParentID
	}
	all, err := r.ListTasks(ctx, filters)
	if err != nil {
		return agent.ContextBundle{}, fmt.Errorf("list tasks: %w", err)
	}
	var siblings []domain.Task
	for _, t := range all {
		if t.ID == task.ID || (task.ParentID == nil && t.ParentID != nil) {
			continue
		}
		siblings = append(siblings, t)
	}
	agents, err := r.ListAgents(ctx)
	if err != nil {
		return agent.ContextBundle{}, fmt.Errorf("list agents: %w", err)
	}
	return agent.ContextBundle{Project: &project, Task: &task, SiblingTasks: siblings, Agents: agents}, nil
}

// FormatHistory renders conversation logs as "[i] time - speaker: message", oldest first.
func FormatHistory(logs []domain.Log, agents []domain.Agent) []string {
	byID := make(map[int64]domain.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	lines := make([]string, 0, len(logs))
	for i, l := range logs {
		lines = append(lines, fmt.Sprintf("[%d] %s - %s: %s", i+1, renderTime(l.Timestamp), speaker(l.AgentID, byID), l.Message))
	}
	return lines
}

func renderTime(ts string) string {
	if ts == "" {
		return unknownTime
	}
	for _, layout := range []string{domain.TimeLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC().Format("2006-01-02 15:04:05")
		}
	}
	return ts
}

func speaker(agentID *int64, byID map[int64]domain.Agent) string {
	if agentID == nil {
		return "User"
	}
	a, ok := byID[*agentID]
	if !ok {
		return fmt.Sprintf("Agent #%d", *agentID)
	}
	return fmt.Sprintf("Agent %s (%s)", a.Name, a.Role)
}
