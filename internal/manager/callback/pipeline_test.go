package callback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/protocol"
)

type fakeForwarder struct {
	mu        sync.Mutex
	forwarded []*protocol.Callback
	err       error
}

func (f *fakeForwarder) ForwardCallback(_ context.Context, cb *protocol.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	copied := *cb
	f.forwarded = append(f.forwarded, &copied)
	return nil
}

type fakeExporter struct {
	mu       sync.Mutex
	sessions []string
	done     chan struct{}
}

func (f *fakeExporter) Export(_ context.Context, sessionID string, _ *protocol.Callback) {
	f.mu.Lock()
	f.sessions = append(f.sessions, sessionID)
	f.mu.Unlock()
	if f.done != nil {
		close(f.done)
	}
}

type fakePool struct {
	mu       sync.Mutex
	released []string
}

func (f *fakePool) OnTaskComplete(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, sessionID)
}

type fakeTrigger struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeTrigger) Trigger(_ []string, reason string) protocol.TriggerResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return protocol.TriggerResponse{Accepted: true}
}

var testIgnore = []string{".git", "node_modules", "__pycache__", ".venv", "venv", ".claude_data", ".cache", "dist", "target"}

func newTestPipeline(fwd *fakeForwarder, exp *fakeExporter, pool *fakePool, trig *fakeTrigger) *Pipeline {
	return New(fwd, exp, pool, trig, testIgnore, false, logger.Default())
}

func TestNonTerminalCallbackOnlyForwards(t *testing.T) {
	fwd := &fakeForwarder{}
	exp := &fakeExporter{}
	pool := &fakePool{}
	trig := &fakeTrigger{}
	p := newTestPipeline(fwd, exp, pool, trig)

	err := p.Process(t.Context(), &protocol.Callback{
		SessionID: "s1",
		Status:    protocol.CallbackRunning,
		Progress:  40,
	})
	require.NoError(t, err)

	require.Len(t, fwd.forwarded, 1)
	assert.Empty(t, fwd.forwarded[0].WorkspaceExportStatus)
	assert.Empty(t, exp.sessions)
	assert.Empty(t, pool.released)
	assert.Empty(t, trig.reasons)
}

func TestTerminalCallbackSpawnsExportAndReleases(t *testing.T) {
	fwd := &fakeForwarder{}
	exp := &fakeExporter{done: make(chan struct{})}
	pool := &fakePool{}
	trig := &fakeTrigger{}
	p := newTestPipeline(fwd, exp, pool, trig)

	err := p.Process(t.Context(), &protocol.Callback{
		SessionID: "s1",
		Status:    protocol.CallbackCompleted,
		Progress:  100,
	})
	require.NoError(t, err)

	require.Len(t, fwd.forwarded, 1)
	assert.Equal(t, protocol.ExportStatusPending, fwd.forwarded[0].WorkspaceExportStatus)

	select {
	case <-exp.done:
	case <-time.After(2 * time.Second):
		t.Fatal("export not spawned")
	}
	assert.Equal(t, []string{"s1"}, pool.released)
	assert.Equal(t, []string{"task_complete"}, trig.reasons)
}

func TestForwardFailureSurfacesAndSkipsTerminalWork(t *testing.T) {
	fwd := &fakeForwarder{err: errors.New("backend down")}
	exp := &fakeExporter{}
	pool := &fakePool{}
	p := newTestPipeline(fwd, exp, pool, &fakeTrigger{})

	err := p.Process(t.Context(), &protocol.Callback{
		SessionID: "s1",
		Status:    protocol.CallbackCompleted,
	})
	require.Error(t, err)
	assert.Empty(t, pool.released)
}

func TestStatePatchFilterDropsIgnoredPaths(t *testing.T) {
	fwd := &fakeForwarder{}
	p := newTestPipeline(fwd, &fakeExporter{}, &fakePool{}, &fakeTrigger{})

	cb := &protocol.Callback{
		SessionID: "s1",
		Status:    protocol.CallbackRunning,
		StatePatch: &protocol.AgentState{
			Workspace: &protocol.WorkspaceState{
				FileChanges: []protocol.FileChange{
					{Path: "src/main.go", AddedLines: 10, DeletedLines: 2},
					{Path: "node_modules/pkg/index.js", AddedLines: 500},
					{Path: ".git/config", AddedLines: 3},
					{Path: ".env", AddedLines: 1},
					{Path: "../escape.txt", AddedLines: 7},
					{Path: `docs\readme.md`, AddedLines: 5},
				},
				TotalAddedLines:   526,
				TotalDeletedLines: 2,
			},
		},
	}
	require.NoError(t, p.Process(t.Context(), cb))

	require.Len(t, fwd.forwarded, 1)
	ws := fwd.forwarded[0].StatePatch.Workspace
	require.Len(t, ws.FileChanges, 2)
	assert.Equal(t, "src/main.go", ws.FileChanges[0].Path)
	// Backslash paths are normalized to slash form.
	assert.Equal(t, "docs/readme.md", ws.FileChanges[1].Path)
	// Totals are recomputed from the surviving entries.
	assert.Equal(t, 15, ws.TotalAddedLines)
	assert.Equal(t, 2, ws.TotalDeletedLines)
}

func TestStatePatchFilterKeepsHiddenWhenConfigured(t *testing.T) {
	fwd := &fakeForwarder{}
	p := New(fwd, &fakeExporter{}, &fakePool{}, &fakeTrigger{}, testIgnore, true, logger.Default())

	cb := &protocol.Callback{
		SessionID: "s1",
		Status:    protocol.CallbackRunning,
		StatePatch: &protocol.AgentState{
			Workspace: &protocol.WorkspaceState{
				FileChanges: []protocol.FileChange{
					{Path: ".env", AddedLines: 1},
					{Path: ".git/config", AddedLines: 3},
				},
			},
		},
	}
	require.NoError(t, p.Process(t.Context(), cb))

	ws := fwd.forwarded[0].StatePatch.Workspace
	// Dot-files pass, but the explicit ignore set still applies.
	require.Len(t, ws.FileChanges, 1)
	assert.Equal(t, ".env", ws.FileChanges[0].Path)
}
