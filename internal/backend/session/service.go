// Package session serves session reads and the workspace file browser.
package session

import (
	"context"
	"encoding/json"
	"mime"
	"path"

	"github.com/runloom/runloom/internal/backend/models"
	"github.com/runloom/runloom/internal/backend/repository/sqlite"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/manifest"
	"github.com/runloom/runloom/internal/storage"
)

// Service owns session reads.
type Service struct {
	repo  *sqlite.Repository
	blobs storage.BlobStore
	log   *logger.Logger
}

// New creates the session service. blobs may be nil when no object store
// is configured; workspace endpoints then report WORKSPACE_NOT_FOUND.
func New(repo *sqlite.Repository, blobs storage.BlobStore, log *logger.Logger) *Service {
	return &Service{repo: repo, blobs: blobs, log: log}
}

// Create makes an empty session ahead of its first task.
func (s *Service) Create(ctx context.Context, userID string, config map[string]any) (*models.Session, error) {
	session := &models.Session{
		UserID:         userID,
		ConfigSnapshot: models.MarshalJSONMap(config),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, apperr.Wrap(apperr.CodeSessionCreateFailed, "failed to create session", err)
	}
	return session, nil
}

// List returns the user's sessions, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	return s.repo.ListSessions(ctx, userID, limit)
}

// Get returns one session after an ownership check.
func (s *Service) Get(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "session %s not found", sessionID)
	}
	if session.UserID != userID {
		return nil, apperr.New(apperr.CodeForbidden, "session belongs to another user")
	}
	return session, nil
}

// Snapshot assembles the on-connect session snapshot: the session, its
// replaceable state, and active run progress.
func (s *Service) Snapshot(ctx context.Context, userID, sessionID string) (map[string]any, error) {
	session, err := s.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	snapshot := map[string]any{
		"session_id":              session.ID,
		"title":                   session.Title,
		"status":                  session.Status,
		"state":                   session.Patch(),
		"workspace_export_status": session.WorkspaceExportStatus,
		"created_at":              session.CreatedAt,
		"updated_at":              session.UpdatedAt,
	}
	if session.SDKSessionID != nil {
		snapshot["sdk_session_id"] = *session.SDKSessionID
	}
	if run, err := s.repo.GetActiveRun(ctx, sessionID); err == nil && run != nil {
		snapshot["run_id"] = run.ID
		snapshot["progress"] = run.Progress
		snapshot["run_status"] = run.Status
	}
	return snapshot, nil
}

// Messages returns a page of the session's messages.
func (s *Service) Messages(ctx context.Context, userID, sessionID string, afterID int64, limit int) ([]*models.Message, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID, afterID, limit)
}

// ToolExecutions returns the session's tool calls.
func (s *Service) ToolExecutions(ctx context.Context, userID, sessionID string) ([]*models.ToolExecution, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListToolExecutions(ctx, sessionID)
}

// Usage returns the session's usage records.
func (s *Service) Usage(ctx context.Context, userID, sessionID string) ([]*models.UsageLog, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListUsageLogs(ctx, sessionID)
}

// WorkspaceFiles loads the export manifest and returns the file tree
// with presigned inline URLs attached.
func (s *Service) WorkspaceFiles(ctx context.Context, userID, sessionID string) ([]*manifest.Node, error) {
	session, err := s.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := s.loadManifest(ctx, session)
	if err != nil {
		return nil, err
	}

	nodes := manifest.BuildNodes(raw)
	manifest.AttachURLs(nodes, func(filePath string, meta map[string]any) string {
		key := objectKey(session.ID, filePath, meta)
		url, err := s.blobs.PresignGet(ctx, key, path.Base(filePath), mimeFor(filePath))
		if err != nil {
			s.log.WithError(err).WithSessionID(session.ID).Debug("failed to presign workspace file")
			return ""
		}
		return url
	})
	return nodes, nil
}

// WorkspaceFileURL presigns one exported file by its manifest path.
func (s *Service) WorkspaceFileURL(ctx context.Context, userID, sessionID, filePath string) (string, error) {
	session, err := s.Get(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}
	raw, err := s.loadManifest(ctx, session)
	if err != nil {
		return "", err
	}

	entry, ok := manifest.FindFile(raw, filePath)
	if !ok {
		return "", apperr.Newf(apperr.CodeWorkspaceNotFound, "file %s not in workspace manifest", filePath)
	}
	normalized, _ := manifest.NormalizePath(filePath)
	key := objectKey(session.ID, normalized, manifestMeta(entry))

	url, err := s.blobs.PresignGet(ctx, key, path.Base(normalized), mimeFor(normalized))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeExternalService, "failed to presign workspace file", err)
	}
	return url, nil
}

func (s *Service) loadManifest(ctx context.Context, session *models.Session) (any, error) {
	if s.blobs == nil || session.WorkspaceManifestKey == "" {
		return nil, apperr.Newf(apperr.CodeWorkspaceNotFound, "session %s has no exported workspace", session.ID)
	}
	data, err := s.blobs.GetObject(ctx, session.WorkspaceManifestKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeWorkspaceNotFound, "workspace manifest unavailable", err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperr.Wrap(apperr.CodeExternalService, "workspace manifest is corrupt", err)
	}
	return raw, nil
}

// objectKey prefers the explicit storage key from manifest metadata and
// falls back to the session file layout.
func objectKey(sessionID, filePath string, meta map[string]any) string {
	if meta != nil {
		if key, _ := meta["key"].(string); key != "" {
			return key
		}
	}
	return storage.SessionFileKey(sessionID, trimLeadingSlash(filePath))
}

func manifestMeta(entry map[string]any) map[string]any {
	if key, _ := entry["key"].(string); key != "" {
		return map[string]any{"key": key}
	}
	return nil
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}

func mimeFor(filePath string) string {
	if t := mime.TypeByExtension(path.Ext(filePath)); t != "" {
		return t
	}
	return "application/octet-stream"
}
