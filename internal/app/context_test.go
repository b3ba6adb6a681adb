package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdash/internal/config"
	"agentdash/internal/domain"
	"agentdash/internal/engine"
	"agentdash/internal/pipeline"
	"agentdash/internal/repo"
)

func openEcho(t *testing.T) *App {
	t.Helper()
	workspace := t.TempDir()
	path := filepath.Join(workspace, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: echo\ngithub:\n  token_env: \"\"\n"), 0o644))
	a, err := Open(context.Background(), Options{Workspace: workspace, ConfigPath: path})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenWiresPipeline(t *testing.T) {
	a := openEcho(t)
	ctx := context.Background()
	assert.Equal(t, "echo", a.Config.LLM.Provider)
	assert.Equal(t, config.ExtractHeuristic, a.Config.Extraction.Policy)

	p, err := a.Engine.CreateProject(ctx, engine.ProjectCreateOptions{Name: "Shop"})
	require.NoError(t, err)
	_, err = a.Engine.CreateAgent(ctx, "Cora", domain.RoleCoordinator)
	require.NoError(t, err)

	_, err = a.Pipeline.EnqueueMessage(ctx, pipeline.MessageJob{ProjectID: p.ID, Message: "status please"})
	require.NoError(t, err)
	require.NoError(t, a.Pipeline.Drain(ctx))

	logs, err := a.Engine.Repo.ListLogs(ctx, repo.LogFilters{ProjectID: p.ID, Type: domain.LogConversation})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "Noted:")
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	workspace := t.TempDir()
	path := filepath.Join(workspace, "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("queues:\n  backend: kafka\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: workspace, ConfigPath: path})
	assert.ErrorContains(t, err, "queues.backend")
}

func TestResolveProject(t *testing.T) {
	a := openEcho(t)
	ctx := context.Background()
	r := a.Engine.Repo

	_, err := ResolveProject(ctx, r, "")
	assert.Error(t, err)

	shop, err := a.Engine.CreateProject(ctx, engine.ProjectCreateOptions{Name: "Shop"})
	require.NoError(t, err)
	got, err := ResolveProject(ctx, r, "")
	require.NoError(t, err)
	assert.Equal(t, shop.ID, got.ID)

	blog, err := a.Engine.CreateProject(ctx, engine.ProjectCreateOptions{Name: "Blog"})
	require.NoError(t, err)
	_, err = ResolveProject(ctx, r, "")
	assert.Error(t, err)

	got, err = ResolveProject(ctx, r, "Blog")
	require.NoError(t, err)
	assert.Equal(t, blog.ID, got.ID)

	got, err = ResolveProject(ctx, r, "1")
	require.NoError(t, err)
	assert.Equal(t, shop.ID, got.ID)

	_, err = ResolveProject(ctx, r, "Nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
