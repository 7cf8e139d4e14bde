package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runloom/runloom/internal/backend/models"
)

// Session operations

// CreateSession creates a new session.
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = models.SessionPending
	}
	if session.ConfigSnapshot == "" {
		session.ConfigSnapshot = "{}"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, sdk_session_id, title, status, config_snapshot, state_patch,
			workspace_files_prefix, workspace_manifest_key, workspace_archive_key, workspace_export_status,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.UserID, session.SDKSessionID, session.Title, session.Status,
		session.ConfigSnapshot, session.StatePatch,
		session.WorkspaceFilesPrefix, session.WorkspaceManifestKey, session.WorkspaceArchiveKey,
		session.WorkspaceExportStatus, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by its UUID.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	err := r.reader().GetContext(ctx, session, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// GetSessionBySDKID retrieves a session by its SDK session id.
func (r *Repository) GetSessionBySDKID(ctx context.Context, sdkSessionID string) (*models.Session, error) {
	session := &models.Session{}
	err := r.reader().GetContext(ctx, session, `SELECT * FROM sessions WHERE sdk_session_id = ?`, sdkSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by sdk id: %w", err)
	}
	return session, nil
}

// ListSessions returns a user's sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var sessions []*models.Session
	err := r.reader().SelectContext(ctx, &sessions, `
		SELECT * FROM sessions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus sets a session's status.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// AssignSDKSessionID persists the SDK session id if the session does not
// have one yet. Assignment is one-way; the first non-empty value wins.
func (r *Repository) AssignSDKSessionID(ctx context.Context, id, sdkSessionID string) (bool, error) {
	if sdkSessionID == "" {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET sdk_session_id = ?, updated_at = ?
		WHERE id = ? AND (sdk_session_id IS NULL OR sdk_session_id = '')
	`, sdkSessionID, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to assign sdk session id: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateStatePatch replaces the session's state patch.
func (r *Repository) UpdateStatePatch(ctx context.Context, id, patchJSON string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET state_patch = ?, updated_at = ? WHERE id = ?
	`, patchJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update state patch: %w", err)
	}
	return nil
}

// UpdateWorkspaceFields persists workspace export fields. Empty values
// leave the corresponding column untouched.
func (r *Repository) UpdateWorkspaceFields(ctx context.Context, id, filesPrefix, manifestKey, archiveKey, exportStatus string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			workspace_files_prefix = CASE WHEN ? != '' THEN ? ELSE workspace_files_prefix END,
			workspace_manifest_key = CASE WHEN ? != '' THEN ? ELSE workspace_manifest_key END,
			workspace_archive_key = CASE WHEN ? != '' THEN ? ELSE workspace_archive_key END,
			workspace_export_status = CASE WHEN ? != '' THEN ? ELSE workspace_export_status END,
			updated_at = ?
		WHERE id = ?
	`, filesPrefix, filesPrefix, manifestKey, manifestKey, archiveKey, archiveKey,
		exportStatus, exportStatus, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update workspace fields: %w", err)
	}
	return nil
}

// SetTitleIfEmpty derives the session title from the first prompt.
func (r *Repository) SetTitleIfEmpty(ctx context.Context, id, title string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, updated_at = ?
		WHERE id = ? AND (title IS NULL OR title = '')
	`, title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set session title: %w", err)
	}
	return nil
}
