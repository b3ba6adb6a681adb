package events

import (
	"sync"
	"time"

	"agentdash/internal/domain"
)

const (
	LogCreated      = "log_created"
	TaskCreated     = "task_created"
	TaskUpdated     = "task_updated"
	FeatureCreated  = "feature_created"
	AgentCreated    = "agent_created"
	AgentUpdated    = "agent_updated"
	ProjectUpdated  = "project_updated"
	ProjectDeleted  = "project_deleted"
	QueryProcessing = "agent_query_processing"
)

const (
	ProcessingStarted   = "started"
	ProcessingCompleted = "completed"
	ProcessingFailed    = "failed"
)

// Event is the broadcast envelope: a type discriminator plus the payload field matching it.
type Event struct {
	Type      string          `json:"type"`
	Log       *domain.Log     `json:"log,omitempty"`
	Task      *domain.Task    `json:"task,omitempty"`
	Feature   *domain.Task    `json:"feature,omitempty"`
	Agent     *domain.Agent   `json:"agent,omitempty"`
	Project   *domain.Project `json:"project,omitempty"`
	ProjectID *int64          `json:"projectId,omitempty"`
	Status    string          `json:"status,omitempty"`
	JobID     string          `json:"jobId,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Name is the event name used by stream transports: processing events are
// named processing:<status>, everything else by its type.
func (e Event) Name() string {
	if e.Type == QueryProcessing && e.Status != "" {
		return "processing:" + e.Status
	}
	return e.Type
}

// ProjectScope returns the project an event belongs to. Processing events have none.
func (e Event) ProjectScope() (int64, bool) {
	switch {
	case e.Log != nil && e.Log.ProjectID != nil:
		return *e.Log.ProjectID, true
	case e.Task != nil:
		return e.Task.ProjectID, true
	case e.Feature != nil:
		return e.Feature.ProjectID, true
	case e.Project != nil:
		return e.Project.ID, true
	case e.ProjectID != nil:
		return *e.ProjectID, true
	}
	return 0, false
}

func NewLogCreated(l domain.Log) Event { return Event{Type: LogCreated, Log: &l} }

func NewTaskCreated(t domain.Task) Event {
	if t.IsFeature {
		return Event{Type: FeatureCreated, Feature: &t}
	}
	return Event{Type: TaskCreated, Task: &t}
}

func NewTaskUpdated(t domain.Task) Event       { return Event{Type: TaskUpdated, Task: &t} }
func NewAgentCreated(a domain.Agent) Event     { return Event{Type: AgentCreated, Agent: &a} }
func NewAgentUpdated(a domain.Agent) Event     { return Event{Type: AgentUpdated, Agent: &a} }
func NewProjectUpdated(p domain.Project) Event { return Event{Type: ProjectUpdated, Project: &p} }
func NewProjectDeleted(projectID int64) Event {
	return Event{Type: ProjectDeleted, ProjectID: &projectID}
}

func NewProcessing(status, jobID, errMsg string, now time.Time) Event {
	return Event{Type: QueryProcessing, Status: status, JobID: jobID, Error: errMsg, Timestamp: domain.FormatTime(now)}
}

// Publisher is the write side of the broadcaster.
type Publisher interface {
	Publish(evt Event)
}

// Hub fans events out to every live subscription. Delivery is best effort:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

type Subscription struct {
	hub     *Hub
	ch      chan Event
	once    sync.Once
	dropped int64
	mu      sync.Mutex
}

// C returns the receive channel. It is closed when the subscription or the hub closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were not delivered because the buffer was full.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{hub: h, ch: make(chan Event, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- evt:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.closed = true
	h.mu.Unlock()
	for s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}
