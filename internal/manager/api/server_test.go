package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/manager/callback"
	"github.com/runloom/runloom/internal/manager/export"
	"github.com/runloom/runloom/internal/manager/pool"
	"github.com/runloom/runloom/internal/manager/pull"
	"github.com/runloom/runloom/internal/manager/schedule"
	"github.com/runloom/runloom/internal/protocol"
	"github.com/runloom/runloom/internal/storage"
)

const (
	testInternalToken = "internal-test-token"
	testCallbackToken = "callback-test-token"
)

type nullClaimer struct{}

func (nullClaimer) Claim(context.Context, protocol.ClaimRequest) (*protocol.ClaimedRun, error) {
	return nil, nil
}

type nullDispatcher struct{}

func (nullDispatcher) Dispatch(context.Context, *protocol.ClaimedRun) {}

type captureForwarder struct {
	mu        sync.Mutex
	callbacks []*protocol.Callback
}

func (c *captureForwarder) ForwardCallback(_ context.Context, cb *protocol.Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *cb
	c.callbacks = append(c.callbacks, &copied)
	return nil
}

type fakeUserInputProxy struct {
	mu      sync.Mutex
	created []string
	polled  []string
}

func (f *fakeUserInputProxy) CreateUserInputRequest(_ context.Context, sessionID, toolName string, _ map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, sessionID+"|"+toolName)
	return json.RawMessage(`{"id":"uir-1","status":"pending"}`), nil
}

func (f *fakeUserInputProxy) GetUserInputRequest(_ context.Context, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, id)
	return json.RawMessage(`{"id":"` + id + `","status":"answered"}`), nil
}

func newTestServer(t *testing.T) (*gin.Engine, *pool.Pool, string) {
	router, containerPool, root, _ := newTestServerWithProxy(t)
	return router, containerPool, root
}

func newTestServerWithProxy(t *testing.T) (*gin.Engine, *pool.Pool, string, *fakeUserInputProxy) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	root := t.TempDir()
	blobs := storage.NewMemoryStore()
	fwd := &captureForwarder{}
	proxy := &fakeUserInputProxy{}
	ignore := []string{".git", "node_modules"}

	containerPool := pool.New(pool.NewStaticProvisioner("http://executor:8082"), nil, log)
	workspace := export.New(blobs, fwd, root, ignore, false, false, false, log)
	loop := pull.New(nullClaimer{}, nullDispatcher{}, schedule.Default(), "w1", 4, 30, log)
	pipeline := callback.New(fwd, workspace, containerPool, loop, ignore, false, log)

	server := NewServer(pipeline, loop, containerPool, workspace, proxy, testInternalToken, testCallbackToken, log)
	return server.Router(), containerPool, root, proxy
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data
}

func TestTriggerRequiresInternalToken(t *testing.T) {
	router, _, _ := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/internal/pull/trigger",
		map[string]any{"schedule_modes": []string{"immediate"}}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/internal/pull/trigger",
		map[string]any{"schedule_modes": []string{"immediate"}}, testInternalToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestTriggerDebounceResponse(t *testing.T) {
	router, _, _ := newTestServer(t)

	first := doJSON(t, router, http.MethodPost, "/api/v1/internal/pull/trigger",
		map[string]any{"reason": "task_created"}, testInternalToken)
	second := doJSON(t, router, http.MethodPost, "/api/v1/internal/pull/trigger",
		map[string]any{"reason": "task_created"}, testInternalToken)

	var a, b protocol.TriggerResponse
	require.NoError(t, json.Unmarshal([]byte(decodeJSON(t, first)), &a))
	require.NoError(t, json.Unmarshal([]byte(decodeJSON(t, second)), &b))
	assert.True(t, a.Accepted)
	assert.False(t, b.Accepted)
	assert.Equal(t, "debounced", b.Reason)
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return string(env.Data)
}

func TestCallbackRequiresCallbackToken(t *testing.T) {
	router, _, _ := newTestServer(t)
	body := map[string]any{"session_id": "s1", "status": "running", "progress": 10}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/callback", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/callback", body, testCallbackToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "s1", decodeData(t, rec)["session_id"])
}

func TestUserInputProxyEndpoints(t *testing.T) {
	router, _, _, proxy := newTestServerWithProxy(t)
	body := map[string]any{
		"session_id": "s1",
		"tool_name":  "AskUserQuestion",
		"tool_input": map[string]any{"question": "deploy?"},
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/user-input-requests", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/user-input-requests", body, testCallbackToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "uir-1", decodeData(t, rec)["id"])
	require.Len(t, proxy.created, 1)
	assert.Equal(t, "s1|AskUserQuestion", proxy.created[0])

	rec = doJSON(t, router, http.MethodGet, "/api/v1/user-input-requests/uir-1", nil, testCallbackToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "answered", decodeData(t, rec)["status"])
	require.Len(t, proxy.polled, 1)
	assert.Equal(t, "uir-1", proxy.polled[0])
}

func TestExecutorLoadAndCancel(t *testing.T) {
	router, containerPool, _ := newTestServer(t)

	_, id, err := containerPool.GetOrCreate(t.Context(), "s1", "u1", pool.ModeEphemeral, "")
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/executor/load", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	load := decodeData(t, rec)
	assert.Equal(t, float64(1), load["total_active"])

	rec = doJSON(t, router, http.MethodPost, "/api/v1/executor/cancel",
		map[string]any{"session_id": "s1"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/api/v1/executor/delete",
		map[string]any{"container_id": id}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkspaceEndpoints(t *testing.T) {
	router, _, root := newTestServer(t)
	ws := filepath.Join(root, "u1", "s1")
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "src", "main.go"), []byte("package main"), 0o644))

	rec := doJSON(t, router, http.MethodGet, "/api/v1/workspace/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeData(t, rec)
	assert.Equal(t, float64(1), stats["session_count"])
	assert.Contains(t, stats["ignore_names"], ".git")

	rec = doJSON(t, router, http.MethodGet, "/api/v1/workspace/files/u1/s1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	files := decodeData(t, rec)["files"].([]any)
	require.Len(t, files, 1)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/workspace/u1/s1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/workspace/files/u1/s1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulesEndpoint(t *testing.T) {
	router, _, _ := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/schedules", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decodeData(t, rec)["rules"].([]any)
	require.Len(t, rules, 2)
	first := rules[0].(map[string]any)
	assert.Equal(t, "immediate", first["id"])
}
