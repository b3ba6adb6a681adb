package agentdashsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/projects/7/messages", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "plan the release", body["message"])
		assert.Equal(t, float64(3), body["targetAgentId"])
		assert.NotContains(t, body, "agentId")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"jobId":"job-1"}`))
	}))
	defer srv.Close()

	target := int64(3)
	got, err := New(srv.URL, 7).SendMessage(context.Background(), "plan the release", MessageOptions{TargetAgentID: &target})
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
}

func TestListLogsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/projects/2/logs", r.URL.Path)
		assert.Equal(t, "conversation", r.URL.Query().Get("type"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"id":1,"type":"conversation","message":"hi","timestamp":"2024-01-01T00:00:00.000000Z"}]`))
	}))
	defer srv.Close()

	logs, err := New(srv.URL, 2).ListLogs(context.Background(), "conversation", 5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "hi", logs[0].Message)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/tasks/9/run", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"bad_request"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 1).RunTask(context.Background(), 9, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}
