package skillimport

import (
	"archive/zip"
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/backend/models"
	"github.com/runloom/runloom/internal/backend/repository/sqlite"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/db"
	"github.com/runloom/runloom/internal/events/bus"
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
	svc := New(repo, blobs, bus.NewMemoryEventBus(logger.Default()), logger.Default())
	return svc, repo, blobs
}

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestImportArchiveRegistersPresets(t *testing.T) {
	svc, repo, blobs := newTestService(t)
	ctx := context.Background()

	archive := buildArchive(t, map[string]string{
		"web-search/SKILL.md":       "# Web search",
		"web-search/scripts/run.sh": "#!/bin/sh",
		"bad name!/SKILL.md":        "# Rejected",
	})
	require.NoError(t, blobs.PutObject(ctx, "uploads/skills.zip", archive, "application/zip"))

	job, err := svc.Enqueue(ctx, "user-1", "uploads/skills.zip", nil)
	require.NoError(t, err)

	claimed, err := repo.ClaimNextSkillImportJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	svc.processJob(ctx, claimed)

	final, err := repo.GetSkillImportJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportSuccess, final.Status)
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.Result)
	assert.Contains(t, *final.Result, "web-search")
	assert.Contains(t, *final.Result, "bad name!")

	preset, err := repo.GetPreset(ctx, models.PresetSkill, "web-search")
	require.NoError(t, err)
	require.NotNil(t, preset)
	assert.Equal(t, "skills/user-1/web-search/", preset.Entry)

	data, err := blobs.GetObject(ctx, "skills/user-1/web-search/SKILL.md")
	require.NoError(t, err)
	assert.Equal(t, "# Web search", string(data))
}

func TestImportArchiveSelections(t *testing.T) {
	svc, repo, blobs := newTestService(t)
	ctx := context.Background()

	archive := buildArchive(t, map[string]string{
		"alpha/SKILL.md": "a",
		"beta/SKILL.md":  "b",
	})
	require.NoError(t, blobs.PutObject(ctx, "uploads/skills.zip", archive, "application/zip"))

	_, err := svc.Enqueue(ctx, "user-1", "uploads/skills.zip", []string{"beta"})
	require.NoError(t, err)

	claimed, err := repo.ClaimNextSkillImportJob(ctx)
	require.NoError(t, err)
	svc.processJob(ctx, claimed)

	alpha, err := repo.GetPreset(ctx, models.PresetSkill, "alpha")
	require.NoError(t, err)
	assert.Nil(t, alpha)
	beta, err := repo.GetPreset(ctx, models.PresetSkill, "beta")
	require.NoError(t, err)
	assert.NotNil(t, beta)
}

func TestImportMissingArchiveFails(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "user-1", "uploads/missing.zip", nil)
	require.NoError(t, err)

	claimed, err := repo.ClaimNextSkillImportJob(ctx)
	require.NoError(t, err)
	svc.processJob(ctx, claimed)

	final, err := repo.GetSkillImportJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportFailed, final.Status)
	assert.Contains(t, final.Error, "SKILL_DOWNLOAD_FAILED")
}

func TestGetEnforcesOwnership(t *testing.T) {
	svc, _, blobs := newTestService(t)
	ctx := context.Background()

	archive := buildArchive(t, map[string]string{"x/SKILL.md": "x"})
	require.NoError(t, blobs.PutObject(ctx, "uploads/a.zip", archive, "application/zip"))

	job, err := svc.Enqueue(ctx, "user-1", "uploads/a.zip", nil)
	require.NoError(t, err)

	_, err = svc.Get(ctx, "user-2", job.ID)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	got, err := svc.Get(ctx, "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}
