package server

import (
	"agentdash/internal/domain"
	"agentdash/internal/engine"
	"agentdash/internal/repo"
)

// Request payloads

type CreateProjectRequest struct {
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty" enum:"planning,in_progress,review,completed,cancelled"`
	RepoOwner   string `json:"repoOwner,omitempty"`
	RepoName    string `json:"repoName,omitempty"`
	RepoBranch  string `json:"repoBranch,omitempty"`
}

func (r CreateProjectRequest) options() engine.ProjectCreateOptions {
	return engine.ProjectCreateOptions{
		Name:        r.Name,
		Description: r.Description,
		Status:      r.Status,
		RepoOwner:   r.RepoOwner,
		RepoName:    r.RepoName,
		RepoBranch:  r.RepoBranch,
	}
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"planning,in_progress,review,completed,cancelled"`
	RepoOwner   *string `json:"repoOwner,omitempty"`
	RepoName    *string `json:"repoName,omitempty"`
	RepoBranch  *string `json:"repoBranch,omitempty"`
}

func (r UpdateProjectRequest) update() repo.ProjectUpdate {
	return repo.ProjectUpdate{
		Name:        r.Name,
		Description: r.Description,
		Status:      r.Status,
		RepoOwner:   r.RepoOwner,
		RepoName:    r.RepoName,
		RepoBranch:  r.RepoBranch,
	}
}

type CreateAgentRequest struct {
	Name string `json:"name" minLength:"1"`
	Role string `json:"role" enum:"coordinator,developer,qa,tester,designer"`
}

type UpdateAgentRequest struct {
	Name   *string `json:"name,omitempty"`
	Role   *string `json:"role,omitempty" enum:"coordinator,developer,qa,tester,designer"`
	Status *string `json:"status,omitempty" enum:"online,offline"`
}

type CreateTaskRequest struct {
	ParentID      *int64   `json:"parentId,omitempty"`
	Title         string   `json:"title" minLength:"1"`
	Description   string   `json:"description,omitempty"`
	Status        string   `json:"status,omitempty"`
	Priority      string   `json:"priority,omitempty" enum:"low,medium,high,critical"`
	AssignedTo    *int64   `json:"assignedTo,omitempty"`
	EstimatedTime *float64 `json:"estimatedTime,omitempty" minimum:"0"`
	IsFeature     bool     `json:"isFeature,omitempty"`
}

func (r CreateTaskRequest) options(projectID int64) engine.TaskCreateOptions {
	return engine.TaskCreateOptions{
		ProjectID:     projectID,
		ParentID:      r.ParentID,
		Title:         r.Title,
		Description:   r.Description,
		Status:        r.Status,
		Priority:      r.Priority,
		AssignedTo:    r.AssignedTo,
		EstimatedTime: r.EstimatedTime,
		IsFeature:     r.IsFeature,
	}
}

type SendMessageRequest struct {
	Message       string `json:"message" minLength:"1"`
	AgentID       *int64 `json:"agentId,omitempty" doc:"Author agent; omitted for user messages"`
	TargetAgentID *int64 `json:"targetAgentId,omitempty" doc:"Agent that should answer; defaults to the coordinator"`
}

type RunTaskRequest struct {
	AgentID *int64 `json:"agentId,omitempty" doc:"Defaults to the task assignee"`
}

type CreateIssueRequest struct {
	Type        string  `json:"type,omitempty" enum:"error,warning"`
	Title       string  `json:"title" minLength:"1"`
	Description string  `json:"description,omitempty"`
	Code        *string `json:"code,omitempty"`
	Solution    *string `json:"solution,omitempty"`
}

func (r CreateIssueRequest) options(taskID int64) engine.IssueCreateOptions {
	return engine.IssueCreateOptions{
		TaskID:      taskID,
		Type:        r.Type,
		Title:       r.Title,
		Description: r.Description,
		Code:        r.Code,
		Solution:    r.Solution,
	}
}

type UpdateIssueRequest struct {
	Resolved bool `json:"resolved"`
}

// Response payloads

type JobAccepted struct {
	JobID string      `json:"jobId"`
	Log   *domain.Log `json:"log,omitempty"`
}
