// Package staging prepares a session workspace on disk before dispatch:
// skills under .claude_data/skills, attachments under inputs, and slash
// commands under .claude_data/commands.
package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/storage"
)

const (
	skillsDir   = ".claude_data/skills"
	commandsDir = ".claude_data/commands"
	inputsDir   = "inputs"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Stager stages blob-store content into session workspaces.
type Stager struct {
	blobs storage.BlobStore
	root  string
	log   *logger.Logger
}

// New creates a stager rooted at the workspace directory.
func New(blobs storage.BlobStore, root string, log *logger.Logger) *Stager {
	return &Stager{
		blobs: blobs,
		root:  root,
		log:   log.WithFields(zap.String("component", "staging")),
	}
}

// WorkspacePath returns the host path of a session workspace.
func (s *Stager) WorkspacePath(userID, sessionID string) string {
	return filepath.Join(s.root, userID, sessionID)
}

// EnsureWorkspace creates the workspace directory tree.
func (s *Stager) EnsureWorkspace(userID, sessionID string) (string, error) {
	ws := s.WorkspacePath(userID, sessionID)
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return ws, nil
}

// validName rejects names that could escape the staging directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return nameRe.MatchString(name)
}

// StageSkills downloads each enabled skill's blob prefix into
// .claude_data/skills/<name>. Restaging is idempotent: directories for
// skills that are absent or disabled are removed.
func (s *Stager) StageSkills(ctx context.Context, userID, sessionID string, skillFiles map[string]any) error {
	start := time.Now()
	ws, err := s.EnsureWorkspace(userID, sessionID)
	if err != nil {
		return err
	}
	skillsRoot := filepath.Join(ws, filepath.FromSlash(skillsDir))
	if err := os.MkdirAll(skillsRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create skills dir: %w", err)
	}

	wanted := make(map[string]bool, len(skillFiles))
	for name, raw := range skillFiles {
		entry, _ := raw.(map[string]any)
		if entry == nil {
			continue
		}
		if enabled, ok := entry["enabled"].(bool); ok && !enabled {
			continue
		}
		if !validName(name) {
			return apperr.Newf(apperr.CodeInvalidInput, "invalid skill name %q", name)
		}

		dest := filepath.Join(skillsRoot, name)
		if !strings.HasPrefix(dest, skillsRoot+string(os.PathSeparator)) {
			return apperr.Newf(apperr.CodeInvalidInput, "skill %q resolves outside the skills directory", name)
		}
		wanted[name] = true

		prefix, _ := entry["entry"].(string)
		if prefix == "" {
			prefix = storage.SkillPrefix(userID, name)
		}
		// Restage from scratch so removed files do not linger.
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("failed to clear skill dir %s: %w", name, err)
		}
		count, err := s.blobs.DownloadPrefix(ctx, prefix, dest)
		if err != nil {
			return apperr.Wrap(apperr.CodeSkillDownloadFailed, fmt.Sprintf("failed to stage skill %s", name), err)
		}
		s.log.Debug("skill staged",
			zap.String("session_id", sessionID),
			zap.String("skill", name),
			zap.Int("files", count))
	}

	// Drop directories for skills no longer configured.
	entries, err := os.ReadDir(skillsRoot)
	if err != nil {
		return fmt.Errorf("failed to read skills dir: %w", err)
	}
	for _, e := range entries {
		if wanted[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(skillsRoot, e.Name())); err != nil {
			return fmt.Errorf("failed to remove stale skill %s: %w", e.Name(), err)
		}
		s.log.Debug("stale skill removed",
			zap.String("session_id", sessionID),
			zap.String("skill", e.Name()))
	}

	s.log.Info("timing",
		zap.String("step", "stage_skills"),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.String("session_id", sessionID))
	return nil
}

// Attachment is one staged input file.
type Attachment struct {
	ID   string
	Name string
	Key  string
}

// ParseAttachments extracts attachment descriptors from a config
// snapshot's attachments list.
func ParseAttachments(raw any) []Attachment {
	list, _ := raw.([]any)
	out := make([]Attachment, 0, len(list))
	for _, item := range list {
		m, _ := item.(map[string]any)
		if m == nil {
			continue
		}
		att := Attachment{}
		att.ID, _ = m["id"].(string)
		att.Name, _ = m["name"].(string)
		att.Key, _ = m["key"].(string)
		out = append(out, att)
	}
	return out
}

// StageAttachments writes each attachment into <workspace>/inputs.
// Absolute names and names containing path separators or dot segments
// are refused.
func (s *Stager) StageAttachments(ctx context.Context, userID, sessionID string, attachments []Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	start := time.Now()
	ws, err := s.EnsureWorkspace(userID, sessionID)
	if err != nil {
		return err
	}
	inputs := filepath.Join(ws, inputsDir)
	if err := os.MkdirAll(inputs, 0o755); err != nil {
		return fmt.Errorf("failed to create inputs dir: %w", err)
	}

	for _, att := range attachments {
		if !validName(att.Name) {
			return apperr.Newf(apperr.CodeInvalidInput, "invalid attachment name %q", att.Name)
		}
		key := att.Key
		if key == "" {
			key = storage.AttachmentPrefix(userID, sessionID, att.ID) + att.Name
		}
		data, err := s.blobs.GetObject(ctx, key)
		if err != nil {
			return apperr.Wrap(apperr.CodeExternalService, fmt.Sprintf("failed to fetch attachment %s", att.Name), err)
		}
		if err := os.WriteFile(filepath.Join(inputs, att.Name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write attachment %s: %w", att.Name, err)
		}
	}

	s.log.Info("timing",
		zap.String("step", "stage_attachments"),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.String("session_id", sessionID))
	return nil
}

// StageSlashCommands writes each command as
// .claude_data/commands/<name>.md, removing all previously staged
// command files first.
func (s *Stager) StageSlashCommands(_ context.Context, userID, sessionID string, commands map[string]any) error {
	start := time.Now()
	ws, err := s.EnsureWorkspace(userID, sessionID)
	if err != nil {
		return err
	}
	dir := filepath.Join(ws, filepath.FromSlash(commandsDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create commands dir: %w", err)
	}

	existing, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read commands dir: %w", err)
	}
	for _, e := range existing {
		if strings.HasSuffix(e.Name(), ".md") {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("failed to remove stale command %s: %w", e.Name(), err)
			}
		}
	}

	for name, raw := range commands {
		content, _ := raw.(string)
		if !validName(name) {
			return apperr.Newf(apperr.CodeInvalidInput, "invalid command name %q", name)
		}
		if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write command %s: %w", name, err)
		}
	}

	s.log.Info("timing",
		zap.String("step", "stage_commands"),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.String("session_id", sessionID))
	return nil
}
