package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdash/internal/agent"
	"agentdash/internal/config"
	"agentdash/internal/db"
	"agentdash/internal/domain"
	"agentdash/internal/engine"
	"agentdash/internal/events"
	"agentdash/internal/extract"
	"agentdash/internal/llm/llmtest"
	"agentdash/internal/migrate"
	"agentdash/internal/pipeline"
	"agentdash/internal/queue"
	"agentdash/internal/repo"
)

type testServer struct {
	URL      string
	client   *http.Client
	Engine   engine.Engine
	Hub      *events.Hub
	Pipeline *pipeline.Pipeline
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	cfg := config.Default()
	hub := events.NewHub()
	e := engine.New(conn, cfg, hub)
	model := &llmtest.Scripted{Reply: llmtest.Static("On it.")}
	r := repo.Repo{DB: conn}
	p := pipeline.New(pipeline.Options{
		Engine:           e,
		Responder:        agent.Responder{LLM: model, Config: cfg},
		Extractor:        extract.Extractor{LLM: model},
		Classifier:       extract.ForPolicy(config.ExtractNever),
		MessageTransport: queue.SQLite{Repo: r, Queue: pipeline.MessageQueue},
		TaskTransport:    queue.SQLite{Repo: r, Queue: pipeline.TaskQueue},
		MessagePolicy:    queue.RetryPolicy{Attempts: 1},
		TaskPolicy:       queue.RetryPolicy{Attempts: 1},
	})
	handler, err := New(Config{Engine: e, Pipeline: p, Hub: hub, BasePath: "/v0"})
	require.NoError(t, err)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	s := &testServer{
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{Timeout: 10 * time.Second},
		Engine:   e,
		Hub:      hub,
		Pipeline: p,
		close: func() {
			hub.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (s *testServer) project(t *testing.T, body map[string]any) domain.Project {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/projects", body)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[domain.Project](t, data)
}

func (s *testServer) agent(t *testing.T, name, role string) domain.Agent {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/agents", map[string]any{"name": name, "role": role})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[domain.Agent](t, data)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestProjectLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	p := srv.project(t, map[string]any{"name": "Shop", "repoOwner": "acme", "repoName": "shop"})
	assert.Equal(t, domain.ProjectPlanning, p.Status)
	assert.True(t, p.HasRepository())

	res, data := doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v0/projects/%d", srv.URL, p.ID), map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.ProjectInProgress, decode[domain.Project](t, data).Status)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]domain.Project](t, data), 1)

	res, _ = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v0/projects/%d", srv.URL, p.ID), nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/projects/%d", srv.URL, p.ID), nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "not_found", envelope.Error.Code)
}

func TestCreateTaskValidation(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	p := srv.project(t, map[string]any{"name": "Shop"})
	url := fmt.Sprintf("%s/v0/projects/%d/tasks", srv.URL, p.ID)

	res, data := doJSON(t, client, http.MethodPost, url, map[string]any{"title": "Checkout"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	plain := decode[domain.Task](t, data)

	res, data = doJSON(t, client, http.MethodPost, url, map[string]any{"title": "Child", "parentId": plain.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, url, map[string]any{"title": "Odd", "status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/999/tasks", map[string]any{"title": "Lost"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCreateInProgressTaskAutoProgresses(t *testing.T) {
	srv := newTestServer(t)
	p := srv.project(t, map[string]any{"name": "Shop"})
	dev := srv.agent(t, "Dana", domain.RoleDeveloper)

	res, data := doJSON(t, srv.Client(), http.MethodPost, fmt.Sprintf("%s/v0/projects/%d/tasks", srv.URL, p.ID), map[string]any{
		"title":      "Build cart",
		"status":     "in_progress",
		"assignedTo": dev.ID,
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	task := decode[domain.Task](t, data)
	assert.Equal(t, srv.Engine.Checkpoint(domain.RoleDeveloper), task.Progress)
}

func TestSendMessage(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	p := srv.project(t, map[string]any{"name": "Shop"})
	srv.agent(t, "Cora", domain.RoleCoordinator)
	url := fmt.Sprintf("%s/v0/projects/%d/messages", srv.URL, p.ID)

	res, data := doJSON(t, client, http.MethodPost, url, map[string]any{"message": "hello team"})
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	accepted := decode[JobAccepted](t, data)
	require.NotEmpty(t, accepted.JobID)
	require.NotNil(t, accepted.Log)
	assert.Equal(t, domain.LogConversation, accepted.Log.Type)

	require.NoError(t, srv.Pipeline.Drain(context.Background()))

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/projects/%d/logs?type=conversation", srv.URL, p.ID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	logs := decode[[]domain.Log](t, data)
	require.Len(t, logs, 2)
	assert.Equal(t, "hello team", logs[0].Message)
	assert.Equal(t, "On it.", logs[1].Message)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/"+accepted.JobID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.JobCompleted, decode[domain.Job](t, data).Status)

	res, _ = doJSON(t, client, http.MethodPost, url, map[string]any{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/404/messages", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRunTask(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	p := srv.project(t, map[string]any{"name": "Shop"})
	qa := srv.agent(t, "Quinn", domain.RoleQA)

	res, data := doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/projects/%d/tasks", srv.URL, p.ID), map[string]any{"title": "Verify checkout"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	task := decode[domain.Task](t, data)
	runURL := fmt.Sprintf("%s/v0/tasks/%d/run", srv.URL, task.ID)

	res, data = doJSON(t, client, http.MethodPost, runURL, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, runURL, map[string]any{"agentId": 999})
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, runURL, map[string]any{"agentId": qa.ID})
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	require.NoError(t, srv.Pipeline.Drain(context.Background()))

	done, err := srv.Engine.Repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs?queue=task&status=completed", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]domain.Job](t, data), 1)
}

func TestIssues(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	p := srv.project(t, map[string]any{"name": "Shop"})
	res, data := doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/projects/%d/tasks", srv.URL, p.ID), map[string]any{"title": "Login"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	task := decode[domain.Task](t, data)
	issuesURL := fmt.Sprintf("%s/v0/tasks/%d/issues", srv.URL, task.ID)

	res, data = doJSON(t, client, http.MethodPost, issuesURL, map[string]any{"title": "Session lost", "solution": "renew cookie"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	issue := decode[domain.Issue](t, data)
	assert.Equal(t, domain.IssueError, issue.Type)

	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v0/issues/%d", srv.URL, issue.ID), map[string]any{"resolved": true})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[domain.Issue](t, data).Resolved)

	res, data = doJSON(t, client, http.MethodGet, issuesURL, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]domain.Issue](t, data), 1)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/999/issues", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc := decode[map[string]any](t, data)
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/projects/{id}/messages")
	assert.Contains(t, paths, "/v0/events")
}

func waitForSubscribers(t *testing.T, hub *events.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Subscribers() >= n }, 5*time.Second, 10*time.Millisecond)
}

func TestEventStreamFiltersByProject(t *testing.T) {
	srv := newTestServer(t)
	mine := srv.project(t, map[string]any{"name": "Mine"})
	other := srv.project(t, map[string]any{"name": "Other"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v0/events?projectId=%d", srv.URL, mine.ID), nil)
	require.NoError(t, err)
	// Headers may only arrive with the first event, so connect in the background.
	responses := make(chan *http.Response, 1)
	go func() {
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			close(responses)
			return
		}
		responses <- res
	}()
	waitForSubscribers(t, srv.Hub, 1)

	_, err = srv.Engine.UpdateProject(ctx, other.ID, repo.ProjectUpdate{Description: strPtr("ignored")})
	require.NoError(t, err)
	_, err = srv.Engine.UpdateProject(ctx, mine.ID, repo.ProjectUpdate{Description: strPtr("seen")})
	require.NoError(t, err)

	res, ok := <-responses
	require.True(t, ok, "stream request failed")
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(res.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			event = name
		}
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			data = payload
			break
		}
	}
	assert.Equal(t, events.ProjectUpdated, event)
	evt := decode[events.Event](t, []byte(data))
	require.NotNil(t, evt.Project)
	assert.Equal(t, mine.ID, evt.Project.ID)
}

func TestWebSocketStream(t *testing.T) {
	srv := newTestServer(t)
	p := srv.project(t, map[string]any{"name": "Shop"})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + fmt.Sprintf("/v0/ws?projectId=%d", p.ID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	waitForSubscribers(t, srv.Hub, 1)

	srv.Hub.Publish(events.NewProcessing(events.ProcessingStarted, "job-1", "", time.Now()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "processing:started", frame.Event)
	assert.Equal(t, "job-1", frame.Data.JobID)
}

func TestWebhookDispatcher(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
		secrets  []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookEvent
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		received = append(received, r.Header.Get("X-Agentdash-Event"))
		secrets = append(secrets, r.Header.Get("X-Agentdash-Secret"))
		mu.Unlock()
		assert.Equal(t, body.Event, r.Header.Get("X-Agentdash-Event"))
		assert.NotEmpty(t, r.Header.Get("X-Agentdash-Delivery"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	disabled := false
	hub := events.NewHub()
	d := NewWebhookDispatcher(hub, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"processing:failed", events.TaskCreated}, Secret: "s3cret"},
		{URL: hook.URL, Enabled: &disabled},
	}, nil)
	require.NotNil(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	hub.Publish(events.NewLogCreated(domain.Log{Type: domain.LogInfo, Message: "skip me"}))
	hub.Publish(events.NewProcessing(events.ProcessingFailed, "job-9", "boom", time.Now()))
	hub.Publish(events.NewTaskCreated(domain.Task{ID: 1, ProjectID: 1, Title: "x"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"processing:failed", events.TaskCreated}, received)
	assert.Equal(t, []string{"s3cret", "s3cret"}, secrets)
}

func TestWebhookDispatcherDisabled(t *testing.T) {
	assert.Nil(t, NewWebhookDispatcher(events.NewHub(), nil, nil))
}

func strPtr(s string) *string { return &s }
