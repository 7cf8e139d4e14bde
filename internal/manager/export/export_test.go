package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/protocol"
	"github.com/runloom/runloom/internal/storage"
)

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

var testIgnore = []string{".git", "node_modules", "__pycache__", ".venv", "venv", ".claude_data", ".cache", "dist", "target"}

func newTestService(t *testing.T) (*Service, storage.BlobStore, *captureForwarder, string) {
	t.Helper()
	root := t.TempDir()
	blobs := storage.NewMemoryStore()
	fwd := &captureForwarder{}
	svc := New(blobs, fwd, root, testIgnore, false, true, false, logger.Default())
	return svc, blobs, fwd, root
}

func seedWorkspace(t *testing.T, root, userID, sessionID string, files map[string]string) {
	t.Helper()
	ws := filepath.Join(root, userID, sessionID)
	for rel, content := range files {
		full := filepath.Join(ws, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestExportUploadsFilesAndManifest(t *testing.T) {
	svc, blobs, fwd, root := newTestService(t)
	seedWorkspace(t, root, "u1", "s1", map[string]string{
		"main.go":           "package main",
		"docs/readme.md":    "# readme",
		".git/config":       "noise",
		"node_modules/x.js": "noise",
		".env":              "secret",
	})

	svc.Export(t.Context(), "s1", &protocol.Callback{Status: protocol.CallbackCompleted, Progress: 100})

	require.Len(t, fwd.callbacks, 1)
	result := fwd.callbacks[0]
	assert.Equal(t, protocol.ExportStatusReady, result.WorkspaceExportStatus)
	assert.Equal(t, protocol.CallbackCompleted, result.Status)
	assert.Equal(t, storage.SessionFilesPrefix("s1"), result.WorkspaceFilesPrefix)
	assert.Equal(t, storage.SessionManifestKey("s1"), result.WorkspaceManifestKey)
	assert.Equal(t, storage.SessionArchiveKey("s1"), result.WorkspaceArchiveKey)

	doc, err := blobs.GetObject(t.Context(), result.WorkspaceManifestKey)
	require.NoError(t, err)
	var parsed struct {
		Files []ManifestEntry `json:"files"`
	}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	require.Len(t, parsed.Files, 2)

	paths := []string{parsed.Files[0].Path, parsed.Files[1].Path}
	assert.ElementsMatch(t, []string{"main.go", "docs/readme.md"}, paths)
	for _, entry := range parsed.Files {
		assert.NotEmpty(t, entry.SHA256)
		assert.NotZero(t, entry.Size)
		data, err := blobs.GetObject(t.Context(), entry.Key)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}
}

func TestExportCleanupRemovesWorkspace(t *testing.T) {
	root := t.TempDir()
	fwd := &captureForwarder{}
	svc := New(storage.NewMemoryStore(), fwd, root, testIgnore, false, false, true, logger.Default())
	seedWorkspace(t, root, "u1", "s1", map[string]string{"main.go": "package main"})

	svc.Export(t.Context(), "s1", &protocol.Callback{Status: protocol.CallbackCompleted, Progress: 100})

	require.Len(t, fwd.callbacks, 1)
	assert.Equal(t, protocol.ExportStatusReady, fwd.callbacks[0].WorkspaceExportStatus)
	_, err := os.Stat(filepath.Join(root, "u1", "s1"))
	assert.True(t, os.IsNotExist(err))
}

func TestExportMissingWorkspaceReportsFailed(t *testing.T) {
	svc, _, fwd, _ := newTestService(t)

	svc.Export(t.Context(), "ghost", &protocol.Callback{Status: protocol.CallbackFailed, Progress: 100})

	require.Len(t, fwd.callbacks, 1)
	assert.Equal(t, protocol.ExportStatusFailed, fwd.callbacks[0].WorkspaceExportStatus)
	assert.Equal(t, protocol.CallbackFailed, fwd.callbacks[0].Status)
}

func TestStatsReflectIgnoreSetAndUsage(t *testing.T) {
	svc, _, _, root := newTestService(t)
	seedWorkspace(t, root, "u1", "s1", map[string]string{"a.txt": "aaaa"})
	seedWorkspace(t, root, "u1", "s2", map[string]string{"b.txt": "bb"})
	seedWorkspace(t, root, "u2", "s3", map[string]string{"c.txt": "c"})

	stats := svc.Stats()
	assert.Equal(t, root, stats.Root)
	assert.Equal(t, testIgnore, stats.IgnoreNames)
	assert.False(t, stats.IncludeHidden)
	assert.Equal(t, 2, stats.UserCount)
	assert.Equal(t, 3, stats.SessionCount)
	assert.Equal(t, int64(7), stats.TotalBytes)
}

func TestUserSessions(t *testing.T) {
	svc, _, _, root := newTestService(t)
	seedWorkspace(t, root, "u1", "s1", map[string]string{"a.txt": "aaaa"})

	sessions, err := svc.UserSessions("u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, int64(4), sessions[0].SizeBytes)

	empty, err := svc.UserSessions("nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestArchiveAndDelete(t *testing.T) {
	svc, blobs, _, root := newTestService(t)
	seedWorkspace(t, root, "u1", "s1", map[string]string{"a.txt": "data"})

	key, err := svc.Archive(t.Context(), "u1", "s1")
	require.NoError(t, err)
	data, err := blobs.GetObject(t.Context(), key)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	require.NoError(t, svc.Delete("u1", "s1"))
	_, err = os.Stat(filepath.Join(root, "u1", "s1"))
	assert.True(t, os.IsNotExist(err))

	err = svc.Delete("u1", "s1")
	assert.Equal(t, apperr.CodeWorkspaceNotFound, apperr.CodeOf(err))
	_, err = svc.Archive(t.Context(), "u1", "s1")
	assert.Equal(t, apperr.CodeWorkspaceNotFound, apperr.CodeOf(err))
}

func TestListFilesAndFileURL(t *testing.T) {
	svc, _, _, root := newTestService(t)
	seedWorkspace(t, root, "u1", "s1", map[string]string{
		"src/main.go": "package main",
		".git/config": "noise",
	})

	files, err := svc.ListFiles("u1", "s1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "src/main.go", files[0].Path)

	url, err := svc.FileURL(t.Context(), "u1", "s1", "src/main.go")
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	_, err = svc.FileURL(t.Context(), "u1", "s1", "../etc/passwd")
	assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
	_, err = svc.FileURL(t.Context(), "u1", "s1", "missing.txt")
	assert.Equal(t, apperr.CodeWorkspaceNotFound, apperr.CodeOf(err))
}
