// Package export uploads finished session workspaces to the blob store
// and serves the Manager's workspace maintenance API.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/manifest"
	"github.com/runloom/runloom/internal/protocol"
	"github.com/runloom/runloom/internal/storage"
)

// Forwarder delivers the export-result callback to the Backend.
type Forwarder interface {
	ForwardCallback(ctx context.Context, cb *protocol.Callback) error
}

// ManifestEntry is one exported file in the manifest JSON.
type ManifestEntry struct {
	Path     string `json:"path"`
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	SHA256   string `json:"sha256"`
}

// Service exports workspaces and manages the workspace root.
type Service struct {
	blobs          storage.BlobStore
	forwarder      Forwarder
	root           string
	ignoreNames    map[string]struct{}
	ignoreList     []string
	includeHidden  bool
	archiveEnabled bool
	cleanupEnabled bool
	log            *logger.Logger
}

// New creates the export service over the workspace root. With cleanup
// enabled, workspaces are removed from disk after a successful export.
func New(blobs storage.BlobStore, forwarder Forwarder, root string, ignore []string, includeHidden, archiveEnabled, cleanupEnabled bool, log *logger.Logger) *Service {
	names := make(map[string]struct{}, len(ignore))
	for _, n := range ignore {
		names[n] = struct{}{}
	}
	return &Service{
		blobs:          blobs,
		forwarder:      forwarder,
		root:           root,
		ignoreNames:    names,
		ignoreList:     append([]string(nil), ignore...),
		includeHidden:  includeHidden,
		archiveEnabled: archiveEnabled,
		cleanupEnabled: cleanupEnabled,
		log:            log.WithFields(zap.String("component", "workspace_export")),
	}
}

// Export walks the session workspace, uploads its files and manifest,
// and reports the result to the Backend through a second callback.
// Failures forward workspace_export_status=failed so clients still see
// a terminal view.
func (s *Service) Export(ctx context.Context, sessionID string, terminal *protocol.Callback) {
	start := time.Now()
	log := s.log.WithSessionID(sessionID)

	result := &protocol.Callback{
		SessionID: sessionID,
		Time:      time.Now().UTC(),
		Status:    terminal.Status,
		Progress:  terminal.Progress,
	}

	entries, err := s.export(ctx, sessionID, result)
	if err != nil {
		log.WithError(err).Error("workspace export failed")
		result.WorkspaceExportStatus = protocol.ExportStatusFailed
	} else {
		result.WorkspaceExportStatus = protocol.ExportStatusReady
		log.Info("timing",
			zap.String("step", "workspace_export"),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("files", len(entries)),
			zap.String("session_id", sessionID))
		if s.cleanupEnabled {
			if ws, err := s.findWorkspace(sessionID); err == nil {
				if err := os.RemoveAll(ws); err != nil {
					log.WithError(err).Warn("workspace cleanup failed")
				} else {
					log.Info("workspace cleaned up after export")
				}
			}
		}
	}

	if err := s.forwarder.ForwardCallback(ctx, result); err != nil {
		log.WithError(err).Error("failed to report export result")
	}
}

func (s *Service) export(ctx context.Context, sessionID string, result *protocol.Callback) ([]ManifestEntry, error) {
	ws, err := s.findWorkspace(sessionID)
	if err != nil {
		return nil, err
	}

	entries, err := s.uploadFiles(ctx, ws, sessionID)
	if err != nil {
		return nil, err
	}

	manifestKey := storage.SessionManifestKey(sessionID)
	doc, err := json.Marshal(map[string]any{"files": entries})
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := s.blobs.PutObject(ctx, manifestKey, doc, "application/json"); err != nil {
		return nil, fmt.Errorf("failed to upload manifest: %w", err)
	}

	result.WorkspaceFilesPrefix = storage.SessionFilesPrefix(sessionID)
	result.WorkspaceManifestKey = manifestKey

	if s.archiveEnabled {
		archiveKey, err := s.uploadArchive(ctx, ws, sessionID)
		if err != nil {
			// The manifest and files are already up; a missing archive
			// is not worth failing the whole export over.
			s.log.WithSessionID(sessionID).WithError(err).Warn("workspace archive failed")
		} else {
			result.WorkspaceArchiveKey = archiveKey
		}
	}
	return entries, nil
}

// findWorkspace locates the session directory under any user.
func (s *Service) findWorkspace(sessionID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", sessionID))
	if err != nil || len(matches) == 0 {
		return "", apperr.Newf(apperr.CodeWorkspaceNotFound, "no workspace for session %s", sessionID)
	}
	return matches[0], nil
}

func (s *Service) uploadFiles(ctx context.Context, ws, sessionID string) ([]ManifestEntry, error) {
	entries := make([]ManifestEntry, 0, 32)
	err := s.walk(ws, func(relPath, fullPath string, info fs.FileInfo) error {
		data, err := os.ReadFile(fullPath)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", relPath, err)
		}
		key := storage.SessionFileKey(sessionID, relPath)
		contentType := mimeFor(relPath)
		if err := s.blobs.PutObject(ctx, key, data, contentType); err != nil {
			return fmt.Errorf("failed to upload %s: %w", relPath, err)
		}
		sum := sha256.Sum256(data)
		entries = append(entries, ManifestEntry{
			Path:     relPath,
			Key:      key,
			Size:     info.Size(),
			MimeType: contentType,
			SHA256:   hex.EncodeToString(sum[:]),
		})
		return nil
	})
	return entries, err
}

func (s *Service) uploadArchive(ctx context.Context, ws, sessionID string) (string, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err := s.walk(ws, func(relPath, fullPath string, _ fs.FileInfo) error {
		w, err := zw.Create(relPath)
		if err != nil {
			return err
		}
		f, err := os.Open(fullPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	key := storage.SessionArchiveKey(sessionID)
	if err := s.blobs.PutObject(ctx, key, buf.Bytes(), "application/zip"); err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}
	return key, nil
}

// walk visits every exportable file under ws, applying the ignore set,
// the hidden-file policy, and path normalization.
func (s *Service) walk(ws string, visit func(relPath, fullPath string, info fs.FileInfo) error) error {
	return filepath.WalkDir(ws, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == ws {
			return nil
		}
		name := d.Name()
		if _, ignored := s.ignoreNames[name]; ignored || (!s.includeHidden && strings.HasPrefix(name, ".")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(ws, path)
		if err != nil {
			return nil
		}
		normalized, ok := manifest.NormalizePath(filepath.ToSlash(rel))
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return visit(strings.TrimPrefix(normalized, "/"), path, info)
	})
}

func mimeFor(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Stats describes the workspace root for the stats endpoint.
type Stats struct {
	Root          string   `json:"root"`
	IgnoreNames   []string `json:"ignore_names"`
	IncludeHidden bool     `json:"include_hidden"`
	UserCount     int      `json:"user_count"`
	SessionCount  int      `json:"session_count"`
	TotalBytes    int64    `json:"total_bytes"`
}

// SessionInfo is one workspace entry in a user listing.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Stats summarizes the workspace root, including the active ignore set.
func (s *Service) Stats() Stats {
	stats := Stats{
		Root:          s.root,
		IgnoreNames:   append([]string(nil), s.ignoreList...),
		IncludeHidden: s.includeHidden,
	}
	users, err := os.ReadDir(s.root)
	if err != nil {
		return stats
	}
	for _, user := range users {
		if !user.IsDir() {
			continue
		}
		stats.UserCount++
		sessions, err := os.ReadDir(filepath.Join(s.root, user.Name()))
		if err != nil {
			continue
		}
		for _, session := range sessions {
			if !session.IsDir() {
				continue
			}
			stats.SessionCount++
			stats.TotalBytes += dirSize(filepath.Join(s.root, user.Name(), session.Name()))
		}
	}
	return stats
}

// UserSessions lists a user's on-disk session workspaces.
func (s *Service) UserSessions(userID string) ([]SessionInfo, error) {
	dir := filepath.Join(s.root, userID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionInfo{}, nil
		}
		return nil, err
	}
	out := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, SessionInfo{
			SessionID:  e.Name(),
			SizeBytes:  dirSize(filepath.Join(dir, e.Name())),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	return out, nil
}

// Archive zips a session workspace into the blob store on demand.
func (s *Service) Archive(ctx context.Context, userID, sessionID string) (string, error) {
	ws := filepath.Join(s.root, userID, sessionID)
	if _, err := os.Stat(ws); err != nil {
		return "", apperr.Newf(apperr.CodeWorkspaceNotFound, "no workspace for session %s", sessionID)
	}
	key, err := s.uploadArchive(ctx, ws, sessionID)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeWorkspaceArchiveFailed, "failed to archive workspace", err)
	}
	return key, nil
}

// Delete removes a session workspace from disk.
func (s *Service) Delete(userID, sessionID string) error {
	ws := filepath.Join(s.root, userID, sessionID)
	if _, err := os.Stat(ws); err != nil {
		return apperr.Newf(apperr.CodeWorkspaceNotFound, "no workspace for session %s", sessionID)
	}
	if err := os.RemoveAll(ws); err != nil {
		return apperr.Wrap(apperr.CodeWorkspaceDeleteFailed, "failed to delete workspace", err)
	}
	s.log.Info("workspace deleted",
		zap.String("user_id", userID),
		zap.String("session_id", sessionID))
	return nil
}

// ListFiles returns the live on-disk file listing for a workspace.
func (s *Service) ListFiles(userID, sessionID string) ([]ManifestEntry, error) {
	ws := filepath.Join(s.root, userID, sessionID)
	if _, err := os.Stat(ws); err != nil {
		return nil, apperr.Newf(apperr.CodeWorkspaceNotFound, "no workspace for session %s", sessionID)
	}
	entries := make([]ManifestEntry, 0, 32)
	err := s.walk(ws, func(relPath, _ string, info fs.FileInfo) error {
		entries = append(entries, ManifestEntry{
			Path:     relPath,
			Key:      storage.SessionFileKey(sessionID, relPath),
			Size:     info.Size(),
			MimeType: mimeFor(relPath),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// FileURL presigns the exported copy of one workspace file.
func (s *Service) FileURL(ctx context.Context, userID, sessionID, path string) (string, error) {
	normalized, ok := manifest.NormalizePath(path)
	if !ok {
		return "", apperr.Newf(apperr.CodeInvalidInput, "invalid path %q", path)
	}
	relPath := strings.TrimPrefix(normalized, "/")
	if _, err := os.Stat(filepath.Join(s.root, userID, sessionID, filepath.FromSlash(relPath))); err != nil {
		return "", apperr.Newf(apperr.CodeWorkspaceNotFound, "file %s not found", relPath)
	}
	url, err := s.blobs.PresignGet(ctx, storage.SessionFileKey(sessionID, relPath), filepath.Base(relPath), mimeFor(relPath))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeExternalService, "failed to presign file", err)
	}
	return url, nil
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
