package domain

import "time"

// TimeLayout is fixed-width so that lexical order of stored timestamps equals time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

const (
	ProjectPlanning   = "planning"
	ProjectInProgress = "in_progress"
	ProjectReview     = "review"
	ProjectCompleted  = "completed"
	ProjectCancelled  = "cancelled"
)

type Project struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"planning,in_progress,review,completed,cancelled"`
	RepoOwner   *string `json:"repoOwner,omitempty"`
	RepoName    *string `json:"repoName,omitempty"`
	RepoBranch  *string `json:"repoBranch,omitempty"`
	CreatedAt   string  `json:"createdAt" format:"date-time"`
	UpdatedAt   string  `json:"updatedAt" format:"date-time"`
}

// HasRepository reports whether the project is bound to an external repository.
func (p Project) HasRepository() bool {
	return p.RepoOwner != nil && *p.RepoOwner != "" && p.RepoName != nil && *p.RepoName != ""
}

const (
	RoleCoordinator = "coordinator"
	RoleDeveloper   = "developer"
	RoleQA          = "qa"
	RoleTester      = "tester"
	RoleDesigner    = "designer"
)

// Roles lists every valid agent role.
var Roles = []string{RoleCoordinator, RoleDeveloper, RoleQA, RoleTester, RoleDesigner}

type Agent struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role" enum:"coordinator,developer,qa,tester,designer"`
	Status    string `json:"status" enum:"online,offline"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

const (
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskReview     = "review"
	TaskDone       = "done"
	TaskBlocked    = "blocked"

	// Legacy aliases used by the execution state machine.
	TaskQueued    = "queued"
	TaskDebugging = "debugging"
	TaskVerifying = "verifying"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// TaskStatuses are the five canonical task states.
var TaskStatuses = []string{TaskTodo, TaskInProgress, TaskReview, TaskDone, TaskBlocked}

// LegacyTaskStatuses are accepted on stored tasks but never produced by extraction.
var LegacyTaskStatuses = []string{TaskQueued, TaskDebugging, TaskVerifying, TaskCompleted, TaskFailed}

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

var Priorities = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

type Task struct {
	ID            int64    `json:"id"`
	ProjectID     int64    `json:"projectId"`
	ParentID      *int64   `json:"parentId,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Status        string   `json:"status"`
	Priority      string   `json:"priority" enum:"low,medium,high,critical"`
	AssignedTo    *int64   `json:"assignedTo,omitempty"`
	Progress      int      `json:"progress" minimum:"0" maximum:"100"`
	EstimatedTime *float64 `json:"estimatedTime,omitempty"`
	IsFeature     bool     `json:"isFeature"`
	CreatedAt     string   `json:"createdAt" format:"date-time"`
	UpdatedAt     string   `json:"updatedAt" format:"date-time"`
}

// IsFinished reports whether the task reached a terminal success state.
func (t Task) IsFinished() bool {
	return (t.Status == TaskCompleted || t.Status == TaskDone) && t.Progress >= 100
}

const (
	LogConversation = "conversation"
	LogInfo         = "info"
	LogError        = "error"
	LogSystem       = "system"
)

type Log struct {
	ID            int64   `json:"id"`
	ProjectID     *int64  `json:"projectId,omitempty"`
	AgentID       *int64  `json:"agentId,omitempty"`
	TargetAgentID *int64  `json:"targetAgentId,omitempty"`
	Type          string  `json:"type" enum:"conversation,info,error,system"`
	Message       string  `json:"message"`
	Details       *string `json:"details,omitempty"`
	Timestamp     string  `json:"timestamp" format:"date-time"`
}

const (
	IssueError   = "error"
	IssueWarning = "warning"
)

type Issue struct {
	ID          int64   `json:"id"`
	TaskID      int64   `json:"taskId"`
	Type        string  `json:"type" enum:"error,warning"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Code        *string `json:"code,omitempty"`
	Solution    *string `json:"solution,omitempty"`
	Resolved    bool    `json:"resolved"`
}

const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is the stored form of one queued unit of work.
type Job struct {
	ID          string  `json:"id"`
	Queue       string  `json:"queue"`
	Payload     string  `json:"payload"`
	Status      string  `json:"status" enum:"pending,running,completed,failed"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"maxAttempts"`
	RunAt       string  `json:"runAt" format:"date-time"`
	LastError   *string `json:"lastError,omitempty"`
	CreatedAt   string  `json:"createdAt" format:"date-time"`
	UpdatedAt   string  `json:"updatedAt" format:"date-time"`
}

// Contains reports whether v is one of values.
func Contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
