package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agentdash/internal/agent"
	"agentdash/internal/config"
	"agentdash/internal/db"
	"agentdash/internal/domain"
	"agentdash/internal/engine"
	"agentdash/internal/events"
	"agentdash/internal/extract"
	"agentdash/internal/llm"
	"agentdash/internal/llm/llmtest"
	"agentdash/internal/migrate"
	"agentdash/internal/pipeline"
	"agentdash/internal/queue"
	"agentdash/internal/repo"
	"agentdash/internal/vcs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		// started at init by opencensus, linked in through the gemini client
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type testEnv struct {
	Ctx       context.Context
	Engine    engine.Engine
	Repo      repo.Repo
	Events    *events.Recorder
	Model     *llmtest.Scripted
	Committer *vcs.Recorder
	Pipeline  *pipeline.Pipeline
	Project   domain.Project
}

func newTestEnv(t *testing.T, policy string) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	cfg := config.Default()
	rec := &events.Recorder{}
	eng := engine.New(conn, cfg, rec)
	model := &llmtest.Scripted{Reply: llmtest.Static("Understood.")}
	committer := &vcs.Recorder{}
	r := repo.Repo{DB: conn}
	p := pipeline.New(pipeline.Options{
		Engine:           eng,
		Responder:        agent.Responder{LLM: model, Config: cfg},
		Extractor:        extract.Extractor{LLM: model},
		Classifier:       extract.ForPolicy(policy),
		Committer:        committer,
		MessageTransport: queue.SQLite{Repo: r, Queue: pipeline.MessageQueue},
		TaskTransport:    queue.SQLite{Repo: r, Queue: pipeline.TaskQueue},
		MessagePolicy:    queue.RetryPolicy{Attempts: 3, Exponential: true},
		TaskPolicy:       queue.RetryPolicy{Attempts: 2},
		MessageWorkers:   4,
		TaskWorkers:      2,
		PollInterval:     5 * time.Millisecond,
	})
	project, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{Name: "Shop"})
	require.NoError(t, err)
	return &testEnv{Ctx: ctx, Engine: eng, Repo: r, Events: rec, Model: model, Committer: committer, Pipeline: p, Project: project}
}

func (env *testEnv) agent(t *testing.T, name, role string) domain.Agent {
	t.Helper()
	a, err := env.Repo.InsertAgent(env.Ctx, domain.Agent{Name: name, Role: role, Status: "online", CreatedAt: domain.FormatTime(time.Now())})
	require.NoError(t, err)
	return a
}

func (env *testEnv) job(t *testing.T, id string) domain.Job {
	t.Helper()
	j, err := env.Repo.GetJob(env.Ctx, id)
	require.NoError(t, err)
	return j
}

func (env *testEnv) logs(t *testing.T, typ string) []domain.Log {
	t.Helper()
	logs, err := env.Repo.ListLogs(env.Ctx, repo.LogFilters{ProjectID: env.Project.ID, Type: typ})
	require.NoError(t, err)
	return logs
}

func (env *testEnv) tasks(t *testing.T) []domain.Task {
	t.Helper()
	tasks, err := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: env.Project.ID})
	require.NoError(t, err)
	return tasks
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

func TestMessageWithoutCoordinatorFailsPermanently(t *testing.T) {
	env := newTestEnv(t, config.ExtractHeuristic)
	env.agent(t, "Dana", domain.RoleDeveloper)

	_, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "hello", ProjectID: env.Project.ID, JobID: "job-1"})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))

	j := env.job(t, "job-1")
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, 1, j.Attempts, "permanent failures are not retried")
	assert.Empty(t, env.Model.Calls())

	names := env.Events.Names()
	assert.Equal(t, []string{"processing:started", events.LogCreated, "processing:failed"}, names)
	failed := env.Events.Events()[2]
	assert.Equal(t, "job-1", failed.JobID)
	assert.Contains(t, failed.Error, "no coordinator")

	errs := env.logs(t, domain.LogError)
	require.Len(t, errs, 1)
	assert.Nil(t, errs[0].AgentID)
}

func TestMessageForMissingProjectFailsPermanently(t *testing.T) {
	env := newTestEnv(t, config.ExtractHeuristic)
	env.agent(t, "Cora", domain.RoleCoordinator)
	job, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "hello", ProjectID: 404})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))
	j := env.job(t, job.ID)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Empty(t, env.Events.Names(), "no jobId, no project: nothing to broadcast")
}

func TestReusedJobIDWithDifferentMessageIsRejected(t *testing.T) {
	env := newTestEnv(t, config.ExtractNever)
	env.agent(t, "Cora", domain.RoleCoordinator)

	first := pipeline.MessageJob{Message: "hello", ProjectID: env.Project.ID, JobID: "job-7"}
	_, err := env.Pipeline.EnqueueMessage(env.Ctx, first)
	require.NoError(t, err)
	_, err = env.Pipeline.EnqueueMessage(env.Ctx, first)
	require.NoError(t, err)
	_, err = env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "other", ProjectID: env.Project.ID, JobID: "job-7"})
	require.ErrorIs(t, err, queue.ErrDuplicateJob)

	require.NoError(t, env.Pipeline.Drain(env.Ctx))
	require.Len(t, env.Model.Calls(), 1)
	assert.Contains(t, env.Model.Calls()[0].Prompt, "hello")
}

func TestLoginPageScenario(t *testing.T) {
	env := newTestEnv(t, config.ExtractHeuristic)
	coord := env.agent(t, "Cora", domain.RoleCoordinator)
	env.Model.Reply = llmtest.Static("Here is the plan:\n1. Login page feature\n2. Build the login form")
	env.Model.JSON = llmtest.Static(`{"tasks":[
{"title":"Login page","isFeature":true,"priority":"high","projectId":999},
{"title":"Build login form","status":"bogus","priority":"p1","projectId":999,"estimatedTime":"3"}]}`)

	userID := (*int64)(nil)
	_, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "create tasks for a login page", AgentID: userID, ProjectID: env.Project.ID, JobID: "job-login"})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))
	assert.Equal(t, domain.JobCompleted, env.job(t, "job-login").Status)

	names := env.Events.Names()
	firstLog := indexOf(names, events.LogCreated)
	firstFeature := indexOf(names, events.FeatureCreated)
	firstTask := indexOf(names, events.TaskCreated)
	require.GreaterOrEqual(t, firstLog, 0)
	require.Greater(t, firstFeature, firstLog, "reply is broadcast before any work item")
	require.Greater(t, firstTask, firstLog)
	assert.Equal(t, "processing:started", names[0])
	assert.Equal(t, "processing:completed", names[len(names)-1])

	reply := env.Events.Events()[firstLog].Log
	require.NotNil(t, reply.AgentID)
	assert.Equal(t, coord.ID, *reply.AgentID)
	assert.Equal(t, domain.LogConversation, reply.Type)

	tasks := env.tasks(t)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, env.Project.ID, task.ProjectID)
		assert.Equal(t, domain.TaskTodo, task.Status)
		assert.Contains(t, domain.Priorities, task.Priority)
	}
	assert.True(t, tasks[0].IsFeature)
	assert.Equal(t, domain.PriorityHigh, tasks[0].Priority)
	assert.Equal(t, domain.PriorityMedium, tasks[1].Priority)
	require.NotNil(t, tasks[1].EstimatedTime)
	assert.Equal(t, 3.0, *tasks[1].EstimatedTime)

	info := env.logs(t, domain.LogInfo)
	require.Len(t, info, 2)
	assert.Contains(t, info[0].Message, `created feature`)
	assert.Equal(t, 1, env.Model.JSONCalls())
}

func TestExtractionNotTriggeredForSmallTalk(t *testing.T) {
	env := newTestEnv(t, config.ExtractHeuristic)
	env.agent(t, "Cora", domain.RoleCoordinator)
	env.Model.Reply = llmtest.Static("All good here.")
	_, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "how are things?", ProjectID: env.Project.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))
	assert.Equal(t, 0, env.Model.JSONCalls())
	assert.Empty(t, env.tasks(t))
}

func TestAlwaysPolicyExtracts(t *testing.T) {
	env := newTestEnv(t, config.ExtractAlways)
	env.agent(t, "Cora", domain.RoleCoordinator)
	_, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "how are things?", ProjectID: env.Project.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))
	assert.Equal(t, 1, env.Model.JSONCalls())
}

func TestNonJSONExtractionIsNonFatal(t *testing.T) {
	env := newTestEnv(t, config.ExtractAlways)
	env.agent(t, "Cora", domain.RoleCoordinator)
	env.Model.JSON = llmtest.Static("Sorry, I cannot produce JSON today.")

	_, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "plan it", ProjectID: env.Project.ID, JobID: "job-2"})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))

	j := env.job(t, "job-2")
	assert.Equal(t, domain.JobCompleted, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Empty(t, env.tasks(t))
	assert.Contains(t, env.Events.Names(), "processing:completed")
	assert.Len(t, env.logs(t, domain.LogConversation), 1)
}

func TestTransientFailureRetriesThenReports(t *testing.T) {
	env := newTestEnv(t, config.ExtractHeuristic)
	env.agent(t, "Cora", domain.RoleCoordinator)
	env.Model.Reply = func(llm.Request) (string, error) { return "", errors.New("upstream 503") }

	_, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "hi", ProjectID: env.Project.ID, JobID: "job-3"})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))

	j := env.job(t, "job-3")
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
	assert.Len(t, env.Model.Calls(), 3)

	names := env.Events.Names()
	assert.Equal(t, 1, strings.Count(strings.Join(names, ","), "processing:started"))
	assert.Equal(t, "processing:failed", names[len(names)-1])
	errs := env.logs(t, domain.LogError)
	require.Len(t, errs, 1)
	require.NotNil(t, errs[0].Details)
	assert.Contains(t, *errs[0].Details, "upstream 503")
}

func TestTargetAgentAnswers(t *testing.T) {
	env := newTestEnv(t, config.ExtractNever)
	env.agent(t, "Cora", domain.RoleCoordinator)
	qa := env.agent(t, "Quinn", domain.RoleQA)
	user := env.agent(t, "Dana", domain.RoleDeveloper)

	_, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "is it tested?", AgentID: &user.ID, TargetAgentID: &qa.ID, ProjectID: env.Project.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))

	conv := env.logs(t, domain.LogConversation)
	require.Len(t, conv, 1)
	assert.Equal(t, qa.ID, *conv[0].AgentID)
	assert.Equal(t, user.ID, *conv[0].TargetAgentID)
	assert.Contains(t, env.Model.Calls()[0].System, "Your name is Quinn")
}

func TestUnknownTargetAgentFailsPermanently(t *testing.T) {
	env := newTestEnv(t, config.ExtractNever)
	env.agent(t, "Cora", domain.RoleCoordinator)
	missing := int64(77)
	job, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "hi", TargetAgentID: &missing, ProjectID: env.Project.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))
	j := env.job(t, job.ID)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
}

func TestAssignedItemsRunThroughTaskQueue(t *testing.T) {
	env := newTestEnv(t, config.ExtractAlways)
	env.agent(t, "Cora", domain.RoleCoordinator)
	dev := env.agent(t, "Dana", domain.RoleDeveloper)
	env.Model.JSON = llmtest.Static(fmt.Sprintf(`{"tasks":[
{"title":"Build form","assignedTo":%d},
{"title":"Ghost work","assignedTo":999},
{"title":"Orphan","parentId":12345}]}`, dev.ID))

	_, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "go", ProjectID: env.Project.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))

	tasks := env.tasks(t)
	require.Len(t, tasks, 2, "the orphan with an invalid parent is skipped")
	assert.Equal(t, domain.TaskCompleted, tasks[0].Status)
	assert.Equal(t, 100, tasks[0].Progress)
	assert.Nil(t, tasks[1].AssignedTo, "unknown assignee is cleared")
	assert.Equal(t, domain.TaskTodo, tasks[1].Status)

	jobs, err := env.Repo.ListJobs(env.Ctx, repo.JobFilters{Queue: pipeline.TaskQueue})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobCompleted, jobs[0].Status)

	errs := env.logs(t, domain.LogError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "Orphan")
}

func TestDeveloperWithoutRepositoryCompletesWithoutCommit(t *testing.T) {
	env := newTestEnv(t, config.ExtractNever)
	dev := env.agent(t, "Dana", domain.RoleDeveloper)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, Title: "Build form"})
	require.NoError(t, err)

	_, err = env.Pipeline.EnqueueTaskRun(env.Ctx, pipeline.TaskJob{TaskID: task.ID, AgentID: dev.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))

	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, dev.ID, *got.AssignedTo)
	assert.Empty(t, env.Committer.Requests)

	var progress []string
	for _, e := range env.Events.Events() {
		if e.Type == events.TaskUpdated {
			progress = append(progress, fmt.Sprintf("%s:%d", e.Task.Status, e.Task.Progress))
		}
	}
	assert.Equal(t, []string{"in_progress:0", "in_progress:50", "completed:100"}, progress)

	prompt := env.Model.Calls()[0].Prompt
	assert.Contains(t, prompt, `I need to work on task "Build form"`)
	assert.Contains(t, prompt, "Current task #")
}

func TestDeveloperWithRepositoryCommits(t *testing.T) {
	env := newTestEnv(t, config.ExtractNever)
	owner, name := "acme", "shop"
	_, err := env.Engine.UpdateProject(env.Ctx, env.Project.ID, repo.ProjectUpdate{RepoOwner: &owner, RepoName: &name})
	require.NoError(t, err)
	dev := env.agent(t, "Dana", domain.RoleDeveloper)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, Title: "Build form"})
	require.NoError(t, err)

	_, err = env.Pipeline.EnqueueTaskRun(env.Ctx, pipeline.TaskJob{TaskID: task.ID, AgentID: dev.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))

	require.Len(t, env.Committer.Requests, 1)
	req := env.Committer.Requests[0]
	assert.Equal(t, "acme", req.Owner)
	assert.Equal(t, "shop", req.Repo)
	assert.Equal(t, "main", req.Branch)
	assert.Contains(t, req.Content, "# Build form")

	// Replaying the finished run changes nothing and does not commit again.
	before := len(env.Events.Events())
	_, err = env.Pipeline.EnqueueTaskRun(env.Ctx, pipeline.TaskJob{TaskID: task.ID, AgentID: dev.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))
	assert.Len(t, env.Committer.Requests, 1)
	assert.Len(t, env.Events.Events(), before)
	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestCommitFailureDoesNotBlockCompletion(t *testing.T) {
	env := newTestEnv(t, config.ExtractNever)
	owner, name := "acme", "shop"
	_, err := env.Engine.UpdateProject(env.Ctx, env.Project.ID, repo.ProjectUpdate{RepoOwner: &owner, RepoName: &name})
	require.NoError(t, err)
	env.Committer.Err = errors.New("403 forbidden")
	dev := env.agent(t, "Dana", domain.RoleDeveloper)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, Title: "Build form"})
	require.NoError(t, err)

	job, err := env.Pipeline.EnqueueTaskRun(env.Ctx, pipeline.TaskJob{TaskID: task.ID, AgentID: dev.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))

	assert.Equal(t, domain.JobCompleted, env.job(t, job.ID).Status)
	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	errs := env.logs(t, domain.LogError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "could not commit")
}

func TestQANeverCommits(t *testing.T) {
	env := newTestEnv(t, config.ExtractNever)
	owner, name := "acme", "shop"
	_, err := env.Engine.UpdateProject(env.Ctx, env.Project.ID, repo.ProjectUpdate{RepoOwner: &owner, RepoName: &name})
	require.NoError(t, err)
	qa := env.agent(t, "Quinn", domain.RoleQA)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, Title: "Verify"})
	require.NoError(t, err)
	_, err = env.Pipeline.EnqueueTaskRun(env.Ctx, pipeline.TaskJob{TaskID: task.ID, AgentID: qa.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))
	assert.Empty(t, env.Committer.Requests)
}

func TestTaskRunFailureIsLoggedAndRetried(t *testing.T) {
	env := newTestEnv(t, config.ExtractNever)
	dev := env.agent(t, "Dana", domain.RoleDeveloper)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, Title: "Build form"})
	require.NoError(t, err)
	var calls atomic.Int32
	env.Model.Reply = func(llm.Request) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("model down")
		}
		return "Done it.", nil
	}

	job, err := env.Pipeline.EnqueueTaskRun(env.Ctx, pipeline.TaskJob{TaskID: task.ID, AgentID: dev.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))

	j := env.job(t, job.ID)
	assert.Equal(t, domain.JobCompleted, j.Status)
	assert.Equal(t, 2, j.Attempts)
	errs := env.logs(t, domain.LogError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "failed to work on task")
	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestTaskRunForMissingTaskFailsPermanently(t *testing.T) {
	env := newTestEnv(t, config.ExtractNever)
	dev := env.agent(t, "Dana", domain.RoleDeveloper)
	job, err := env.Pipeline.EnqueueTaskRun(env.Ctx, pipeline.TaskJob{TaskID: 999, AgentID: dev.ID})
	require.NoError(t, err)
	require.NoError(t, env.Pipeline.Drain(env.Ctx))
	j := env.job(t, job.ID)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t, config.ExtractNever)
	_, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "x"})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Pipeline.EnqueueTaskRun(env.Ctx, pipeline.TaskJob{TaskID: 1})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestConcurrentMessagesLoseNothing(t *testing.T) {
	env := newTestEnv(t, config.ExtractNever)
	env.agent(t, "Cora", domain.RoleCoordinator)
	var n atomic.Int32
	env.Model.Reply = func(req llm.Request) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return fmt.Sprintf("reply %d", n.Add(1)), nil
	}

	ctx, cancel := context.WithCancel(env.Ctx)
	errc := make(chan error, 1)
	go func() { errc <- env.Pipeline.Run(ctx) }()

	for _, id := range []string{"a", "b"} {
		_, err := env.Pipeline.EnqueueMessage(env.Ctx, pipeline.MessageJob{Message: "status " + id, ProjectID: env.Project.ID, JobID: id})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		a, errA := env.Repo.GetJob(env.Ctx, "a")
		b, errB := env.Repo.GetJob(env.Ctx, "b")
		return errA == nil && errB == nil && a.Status == domain.JobCompleted && b.Status == domain.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	conv := env.logs(t, domain.LogConversation)
	require.Len(t, conv, 2)
	var msgs []string
	for _, l := range conv {
		msgs = append(msgs, l.Message)
	}
	sort.Strings(msgs)
	assert.Equal(t, []string{"reply 1", "reply 2"}, msgs)
	assert.True(t, sort.SliceIsSorted(conv, func(i, j int) bool { return conv[i].Timestamp < conv[j].Timestamp }))
}
