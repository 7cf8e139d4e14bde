package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/manager/staging"
	"github.com/runloom/runloom/internal/protocol"
)

type fakeBackend struct {
	started  []string
	failed   []string
	failMsgs []string
	startErr error
}

func (f *fakeBackend) StartRun(_ context.Context, runID, _ string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, runID)
	return nil
}

func (f *fakeBackend) FailRun(_ context.Context, runID, _ string, message string) error {
	f.failed = append(f.failed, runID)
	f.failMsgs = append(f.failMsgs, message)
	return nil
}

type fakeExecutor struct {
	requests []*protocol.ExecuteRequest
	err      error
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, req *protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &protocol.ExecuteResponse{Status: "accepted", SessionID: req.SessionID}, nil
}

type fakePool struct {
	acquired  int
	released  []string
	createErr error
}

func (f *fakePool) GetOrCreate(_ context.Context, sessionID, _, _, _ string) (string, string, error) {
	if f.createErr != nil {
		return "", "", f.createErr
	}
	f.acquired++
	return "http://executor:8082", "ctr-" + sessionID, nil
}

func (f *fakePool) OnTaskComplete(_ context.Context, sessionID string) {
	f.released = append(f.released, sessionID)
}

type fakeResolver struct {
	out map[string]any
	err error
}

func (f *fakeResolver) Resolve(_ context.Context, _ string, snapshot map[string]any) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	return snapshot, nil
}

type fakeStager struct {
	skills   []map[string]any
	attached [][]staging.Attachment
	commands []map[string]any
	skillErr error
}

func (f *fakeStager) StageSkills(_ context.Context, _, _ string, skillFiles map[string]any) error {
	if f.skillErr != nil {
		return f.skillErr
	}
	f.skills = append(f.skills, skillFiles)
	return nil
}

func (f *fakeStager) StageAttachments(_ context.Context, _, _ string, attachments []staging.Attachment) error {
	f.attached = append(f.attached, attachments)
	return nil
}

func (f *fakeStager) StageSlashCommands(_ context.Context, _, _ string, commands map[string]any) error {
	f.commands = append(f.commands, commands)
	return nil
}

func testRun() *protocol.ClaimedRun {
	return &protocol.ClaimedRun{
		RunID:     "r1",
		SessionID: "s1",
		UserID:    "u1",
		Prompt:    "do the thing",
		ConfigSnapshot: map[string]any{
			"skill_files": map[string]any{"review": map[string]any{"entry": "skills/u1/review/"}},
		},
	}
}

func newTestDispatcher(backend *fakeBackend, executor *fakeExecutor, pool *fakePool, res *fakeResolver, stager *fakeStager) *Dispatcher {
	cfg := Config{
		CallbackURL:     "http://manager:8081/api/v1/callback",
		CallbackToken:   "cb-token",
		CallbackBaseURL: "http://manager:8081",
	}
	return New(backend, executor, pool, res, stager, cfg, "w1", logger.Default())
}

func TestDispatchHappyPath(t *testing.T) {
	backend := &fakeBackend{}
	executor := &fakeExecutor{}
	pool := &fakePool{}
	stager := &fakeStager{}
	d := newTestDispatcher(backend, executor, pool, &fakeResolver{}, stager)

	d.Dispatch(t.Context(), testRun())

	require.Len(t, executor.requests, 1)
	req := executor.requests[0]
	assert.Equal(t, "s1", req.SessionID)
	assert.Equal(t, "r1", req.RunID)
	assert.Equal(t, "do the thing", req.Prompt)
	assert.Equal(t, "http://manager:8081/api/v1/callback", req.CallbackURL)
	assert.Equal(t, "cb-token", req.CallbackToken)
	assert.Contains(t, req.Config, "skill_files")

	assert.Equal(t, []string{"r1"}, backend.started)
	assert.Empty(t, backend.failed)
	assert.Equal(t, 1, pool.acquired)
	assert.Len(t, stager.skills, 1)
	assert.Len(t, stager.commands, 1)
}

func TestDispatchResolveFailureFailsRun(t *testing.T) {
	backend := &fakeBackend{}
	res := &fakeResolver{err: apperr.New(apperr.CodeEnvVarNotFound, "env var missing")}
	pool := &fakePool{}
	d := newTestDispatcher(backend, &fakeExecutor{}, pool, res, &fakeStager{})

	d.Dispatch(t.Context(), testRun())

	require.Len(t, backend.failed, 1)
	assert.Contains(t, backend.failMsgs[0], "config resolution failed")
	assert.Empty(t, backend.started)
}

func TestDispatchProvisionFailureFailsRun(t *testing.T) {
	backend := &fakeBackend{}
	pool := &fakePool{createErr: errors.New("no capacity")}
	d := newTestDispatcher(backend, &fakeExecutor{}, pool, &fakeResolver{}, &fakeStager{})

	d.Dispatch(t.Context(), testRun())

	require.Len(t, backend.failed, 1)
	assert.Contains(t, backend.failMsgs[0], "container provisioning failed")
}

func TestDispatchExecutorFailureReleasesContainer(t *testing.T) {
	backend := &fakeBackend{}
	executor := &fakeExecutor{err: errors.New("connection refused")}
	pool := &fakePool{}
	d := newTestDispatcher(backend, executor, pool, &fakeResolver{}, &fakeStager{})

	d.Dispatch(t.Context(), testRun())

	require.Len(t, backend.failed, 1)
	assert.Equal(t, []string{"s1"}, pool.released)
}

func TestDispatchLeaseLostAborts(t *testing.T) {
	backend := &fakeBackend{startErr: apperr.New(apperr.CodeLeaseLost, "lease expired")}
	pool := &fakePool{}
	d := newTestDispatcher(backend, &fakeExecutor{}, pool, &fakeResolver{}, &fakeStager{})

	d.Dispatch(t.Context(), testRun())

	// Another worker owns the run now; no failure report.
	assert.Empty(t, backend.failed)
	assert.Empty(t, backend.started)
}

func TestDispatchStagingFailure(t *testing.T) {
	backend := &fakeBackend{}
	stager := &fakeStager{skillErr: apperr.New(apperr.CodeSkillDownloadFailed, "blob missing")}
	d := newTestDispatcher(backend, &fakeExecutor{}, &fakePool{}, &fakeResolver{}, stager)

	d.Dispatch(t.Context(), testRun())

	require.Len(t, backend.failed, 1)
	assert.Contains(t, backend.failMsgs[0], "skill staging failed")
}
