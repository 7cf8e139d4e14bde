package staging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/storage"
)

func newTestStager(t *testing.T) (*Stager, storage.BlobStore) {
	t.Helper()
	blobs := storage.NewMemoryStore()
	return New(blobs, t.TempDir(), logger.Default()), blobs
}

func seedSkill(t *testing.T, blobs storage.BlobStore, userID, name string, files map[string]string) {
	t.Helper()
	prefix := storage.SkillPrefix(userID, name)
	for rel, content := range files {
		require.NoError(t, blobs.PutObject(t.Context(), prefix+rel, []byte(content), "text/plain"))
	}
}

func TestStageSkillsDownloadsFiles(t *testing.T) {
	s, blobs := newTestStager(t)
	seedSkill(t, blobs, "u1", "review", map[string]string{
		"SKILL.md":     "# review",
		"lib/check.py": "print('x')",
	})

	err := s.StageSkills(t.Context(), "u1", "s1", map[string]any{
		"review": map[string]any{"entry": storage.SkillPrefix("u1", "review")},
	})
	require.NoError(t, err)

	ws := s.WorkspacePath("u1", "s1")
	data, err := os.ReadFile(filepath.Join(ws, ".claude_data", "skills", "review", "SKILL.md"))
	require.NoError(t, err)
	assert.Equal(t, "# review", string(data))
	_, err = os.Stat(filepath.Join(ws, ".claude_data", "skills", "review", "lib", "check.py"))
	assert.NoError(t, err)
}

func TestStageSkillsRemovesStaleAndDisabled(t *testing.T) {
	s, blobs := newTestStager(t)
	seedSkill(t, blobs, "u1", "old", map[string]string{"SKILL.md": "old"})
	seedSkill(t, blobs, "u1", "dormant", map[string]string{"SKILL.md": "zzz"})
	seedSkill(t, blobs, "u1", "keep", map[string]string{"SKILL.md": "keep"})

	all := map[string]any{
		"old":     map[string]any{},
		"dormant": map[string]any{},
		"keep":    map[string]any{},
	}
	require.NoError(t, s.StageSkills(t.Context(), "u1", "s1", all))

	// Restage with one skill dropped and one disabled.
	require.NoError(t, s.StageSkills(t.Context(), "u1", "s1", map[string]any{
		"dormant": map[string]any{"enabled": false},
		"keep":    map[string]any{},
	}))

	skillsRoot := filepath.Join(s.WorkspacePath("u1", "s1"), ".claude_data", "skills")
	_, err := os.Stat(filepath.Join(skillsRoot, "old"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(skillsRoot, "dormant"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(skillsRoot, "keep", "SKILL.md"))
	assert.NoError(t, err)
}

func TestStageSkillsRejectsBadNames(t *testing.T) {
	s, _ := newTestStager(t)
	for _, name := range []string{"..", ".", "a/b", "a b", ""} {
		err := s.StageSkills(t.Context(), "u1", "s1", map[string]any{
			name: map[string]any{},
		})
		require.Error(t, err, "name %q", name)
		assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
	}
}

func TestStageAttachments(t *testing.T) {
	s, blobs := newTestStager(t)
	key := storage.AttachmentPrefix("u1", "s1", "att-1") + "notes.txt"
	require.NoError(t, blobs.PutObject(t.Context(), key, []byte("remember"), "text/plain"))

	err := s.StageAttachments(t.Context(), "u1", "s1", []Attachment{
		{ID: "att-1", Name: "notes.txt"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.WorkspacePath("u1", "s1"), "inputs", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remember", string(data))
}

func TestStageAttachmentsRejectsTraversal(t *testing.T) {
	s, _ := newTestStager(t)
	for _, name := range []string{"../escape.txt", "/etc/passwd", "a/b.txt", ".."} {
		err := s.StageAttachments(t.Context(), "u1", "s1", []Attachment{
			{ID: "att-1", Name: name},
		})
		require.Error(t, err, "name %q", name)
		assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
	}
}

func TestStageSlashCommandsCleansPriorFiles(t *testing.T) {
	s, _ := newTestStager(t)

	require.NoError(t, s.StageSlashCommands(t.Context(), "u1", "s1", map[string]any{
		"deploy": "# deploy steps",
		"lint":   "# lint",
	}))
	require.NoError(t, s.StageSlashCommands(t.Context(), "u1", "s1", map[string]any{
		"deploy": "# new deploy steps",
	}))

	dir := filepath.Join(s.WorkspacePath("u1", "s1"), ".claude_data", "commands")
	data, err := os.ReadFile(filepath.Join(dir, "deploy.md"))
	require.NoError(t, err)
	assert.Equal(t, "# new deploy steps", string(data))
	_, err = os.Stat(filepath.Join(dir, "lint.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestParseAttachments(t *testing.T) {
	atts := ParseAttachments([]any{
		map[string]any{"id": "a1", "name": "f.txt", "key": "attachments/u/s/a1/f.txt"},
		"garbage",
	})
	require.Len(t, atts, 1)
	assert.Equal(t, "a1", atts[0].ID)
	assert.Equal(t, "f.txt", atts[0].Name)
}
