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

// Preset and env var operations

// UpsertPreset creates or refreshes a preset keyed by (kind, name).
func (r *Repository) UpsertPreset(ctx context.Context, p *models.Preset) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.DefaultConfig == "" {
		p.DefaultConfig = "{}"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO presets (id, kind, name, transport, entry, default_config, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, name) DO UPDATE SET
			transport = excluded.transport,
			entry = excluded.entry,
			default_config = excluded.default_config,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, p.ID, p.Kind, p.Name, p.Transport, p.Entry, p.DefaultConfig, p.IsActive, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert preset: %w", err)
	}
	return nil
}

// GetPreset retrieves an active preset by kind and name.
func (r *Repository) GetPreset(ctx context.Context, kind, name string) (*models.Preset, error) {
	p := &models.Preset{}
	err := r.reader().GetContext(ctx, p, `
		SELECT * FROM presets WHERE kind = ? AND name = ? AND is_active = 1
	`, kind, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preset: %w", err)
	}
	return p, nil
}

// ListPresets returns active presets of a kind, ordered by name.
func (r *Repository) ListPresets(ctx context.Context, kind string) ([]*models.Preset, error) {
	var presets []*models.Preset
	err := r.reader().SelectContext(ctx, &presets, `
		SELECT * FROM presets WHERE kind = ? AND is_active = 1 ORDER BY name
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list presets: %w", err)
	}
	return presets, nil
}

// SetEnvVar creates or updates a user-scoped env var.
func (r *Repository) SetEnvVar(ctx context.Context, userID, key, value string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO env_vars (user_id, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, userID, key, value, now, now)
	if err != nil {
		return fmt.Errorf("failed to set env var: %w", err)
	}
	return nil
}

// DeleteEnvVar removes a user-scoped env var.
func (r *Repository) DeleteEnvVar(ctx context.Context, userID, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM env_vars WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return fmt.Errorf("failed to delete env var: %w", err)
	}
	return nil
}

// ListEnvVars returns a user's env vars ordered by key. Values are
// included; callers decide whether to redact.
func (r *Repository) ListEnvVars(ctx context.Context, userID string) ([]*models.EnvVar, error) {
	var vars []*models.EnvVar
	err := r.reader().SelectContext(ctx, &vars, `
		SELECT * FROM env_vars WHERE user_id = ? ORDER BY key
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list env vars: %w", err)
	}
	return vars, nil
}

// EnvVarMap returns a user's env vars as a key-value map for config
// substitution.
func (r *Repository) EnvVarMap(ctx context.Context, userID string) (map[string]string, error) {
	vars, err := r.ListEnvVars(ctx, userID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(vars))
	for _, v := range vars {
		m[v.Key] = v.Value
	}
	return m, nil
}
