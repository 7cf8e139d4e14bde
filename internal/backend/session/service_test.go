package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/backend/models"
	"github.com/runloom/runloom/internal/backend/repository/sqlite"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/db"
	"github.com/runloom/runloom/internal/storage"
)

func newTestService(t *testing.T) (*Service, *sqlite.Repository, *storage.MemoryStore) {
	t.Helper()

	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	repo, err := sqlite.New(sqlx.NewDb(writer, "sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	blobs := storage.NewMemoryStore()
	return New(repo, blobs, logger.Default()), repo, blobs
}

func TestGetOwnership(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, "user-1", map[string]any{"model": "fast"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, "user-1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, err = svc.Get(ctx, "user-2", session.ID)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	_, err = svc.Get(ctx, "user-1", "missing")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestSnapshotIncludesActiveRun(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, "user-1", nil)
	require.NoError(t, err)
	run := &models.Run{SessionID: session.ID, Prompt: "work"}
	require.NoError(t, repo.CreateRun(ctx, run))
	_, err = repo.ClaimRun(ctx, "w1", 30*time.Second, []string{"immediate"})
	require.NoError(t, err)

	snapshot, err := svc.Snapshot(ctx, "user-1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, snapshot["session_id"])
	assert.Equal(t, run.ID, snapshot["run_id"])
	assert.Equal(t, models.RunClaimed, snapshot["run_status"])
}

func TestWorkspaceFilesFromManifest(t *testing.T) {
	svc, repo, blobs := newTestService(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	manifestJSON := `{"files":[
		{"path":"src/main.go","key":"sessions/` + session.ID + `/files/src/main.go","size":12},
		{"path":"README.md","key":"sessions/` + session.ID + `/files/README.md","size":3}
	]}`
	manifestKey := storage.SessionManifestKey(session.ID)
	require.NoError(t, blobs.PutObject(ctx, manifestKey, []byte(manifestJSON), "application/json"))
	require.NoError(t, blobs.PutObject(ctx, "sessions/"+session.ID+"/files/src/main.go", []byte("package main"), ""))
	require.NoError(t, blobs.PutObject(ctx, "sessions/"+session.ID+"/files/README.md", []byte("hi!"), ""))
	require.NoError(t, repo.UpdateWorkspaceFields(ctx, session.ID, "", manifestKey, "", "ready"))

	nodes, err := svc.WorkspaceFiles(ctx, "user-1", session.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	// Folders sort before files.
	assert.Equal(t, "src", nodes[0].Name)
	assert.Equal(t, "folder", nodes[0].Type)
	assert.Equal(t, "README.md", nodes[1].Name)
	assert.NotEmpty(t, nodes[1].URL)

	url, err := svc.WorkspaceFileURL(ctx, "user-1", session.ID, "src/main.go")
	require.NoError(t, err)
	assert.Contains(t, url, "src/main.go")

	_, err = svc.WorkspaceFileURL(ctx, "user-1", session.ID, "../etc/passwd")
	assert.Equal(t, apperr.CodeWorkspaceNotFound, apperr.CodeOf(err))
}

func TestWorkspaceFilesWithoutExport(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	_, err = svc.WorkspaceFiles(ctx, "user-1", session.ID)
	assert.Equal(t, apperr.CodeWorkspaceNotFound, apperr.CodeOf(err))
}
