// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Covers request validation, error mapping, SSE streaming, and agent registration

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	providers := agent.NewRegistry()
	providers.SetFallback(agent.ProviderFunc(func(ctx context.Context, capability string, params map[string]string) (string, error) {
		return "echo: " + params["description"], nil
	}))

	orch := orchestrator.New(config.Default(), st, providers, nil)
	srv := httptest.NewServer(NewServer(orch, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, orch
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateTask(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/tasks", CreateTaskRequest{
		Description: "summarize notes",
		Metadata:    map[string]string{"capabilities": "summarize"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	task := decodeBody[TaskResponse](t, resp)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "pending", task.Status)
	assert.Equal(t, "summarize notes", task.Description)
	assert.Equal(t, 0, task.Attempt)
}

func TestCreateTask_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/tasks", CreateTaskRequest{Description: "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	errBody := decodeBody[map[string]string](t, resp)
	assert.Contains(t, errBody["error"], "description")
}

func TestCreateTask_MalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/tasks", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTask(t *testing.T) {
	srv, orch := newTestServer(t)

	created, err := orch.Tasks.Create(context.Background(), "find me", nil)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/tasks/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	task := decodeBody[TaskResponse](t, resp)
	assert.Equal(t, created.ID, task.ID)
}

func TestGetTask_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/tasks/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTasks(t *testing.T) {
	srv, orch := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := orch.Tasks.Create(ctx, fmt.Sprintf("task %d", i), nil)
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/api/tasks")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decodeBody[[]TaskResponse](t, resp)
	assert.Len(t, all, 3)

	resp, err = http.Get(srv.URL + "/api/tasks?status=pending")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decodeBody[[]TaskResponse](t, resp)
	assert.Len(t, pending, 3)

	resp, err = http.Get(srv.URL + "/api/tasks?status=completed")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completed := decodeBody[[]TaskResponse](t, resp)
	assert.Empty(t, completed)
}

func TestListTasks_UnknownStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/tasks?status=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelTask(t *testing.T) {
	srv, orch := newTestServer(t)

	created, err := orch.Tasks.Create(context.Background(), "cancel me", nil)
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/tasks/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decodeBody[TaskResponse](t, resp)
	assert.Equal(t, "cancelled", task.Status)

	// Cancelling a terminal task conflicts
	resp = postJSON(t, srv.URL+"/api/tasks/"+created.ID+"/cancel", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPostMessage(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/messages", PostMessageRequest{
		ConversationID: "conv-1",
		Content:        "please help",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	msg := decodeBody[MessageResponse](t, resp)
	assert.EqualValues(t, 1, msg.Seq)
	assert.Equal(t, "user", msg.Sender)
	assert.NotEmpty(t, msg.TaskID, "a user message carries its correlated task ID")
}

func TestPostMessage_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/messages", PostMessageRequest{Content: "no conversation"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/messages", PostMessageRequest{
		ConversationID: "conv-1",
		Content:        "hi",
		Sender:         "robot",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListMessages(t *testing.T) {
	srv, orch := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := orch.Router.Deliver(ctx, "conv-1", store.SenderAgent, fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/api/messages?conversation_id=conv-1&after=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msgs := decodeBody[[]MessageResponse](t, resp)
	require.Len(t, msgs, 2)
	assert.EqualValues(t, 2, msgs[0].Seq)
	assert.EqualValues(t, 3, msgs[1].Seq)
}

func TestListMessages_BadOffset(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/messages?conversation_id=conv-1&after=minus-one")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamMessages(t *testing.T) {
	srv, orch := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := orch.Router.Deliver(ctx, "conv-1", store.SenderAgent, fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		srv.URL+"/api/messages/stream?conversation_id=conv-1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var seqs []int64
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(seqs) < 2 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg MessageResponse
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
		seqs = append(seqs, msg.Seq)
	}
	assert.Equal(t, []int64{1, 2}, seqs)
}

func TestStreamMessages_MissingConversation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/messages/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterAgent(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/agents", RegisterAgentRequest{
		Name:           "coder",
		Capabilities:   []string{"code"},
		MaxConcurrency: 2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody[AgentResponse](t, resp)
	assert.Equal(t, "coder", created.ID, "ID defaults to the name")
	assert.True(t, created.Active)
	assert.Equal(t, 2, created.MaxConcurrency)

	// Duplicate registration conflicts
	resp = postJSON(t, srv.URL+"/api/agents", RegisterAgentRequest{Name: "coder"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRegisterAgent_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/agents", RegisterAgentRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAndDeregisterAgents(t *testing.T) {
	srv, orch := newTestServer(t)

	require.NoError(t, orch.Agents.Register(context.Background(), &store.Agent{
		ID: "a1", Name: "a1", Capabilities: []string{"code"},
	}))

	resp, err := http.Get(srv.URL + "/api/agents")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agents := decodeBody[[]AgentResponse](t, resp)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].ID)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/agents/a1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	srv, orch := newTestServer(t)
	ctx := context.Background()

	_, err := orch.Tasks.Create(ctx, "pending work", nil)
	require.NoError(t, err)
	require.NoError(t, orch.Agents.Register(ctx, &store.Agent{ID: "a1", Name: "a1"}))

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decodeBody[StatusResponse](t, resp)
	assert.Equal(t, 1, status.Tasks["pending"])
	assert.Equal(t, 1, status.ActiveAgents)
}
