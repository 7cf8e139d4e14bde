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

// Skill import job operations

// CreateSkillImportJob enqueues a durable import job.
func (r *Repository) CreateSkillImportJob(ctx context.Context, job *models.SkillImportJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.ImportQueued
	}
	if job.Selections == "" {
		job.Selections = "[]"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO skill_import_jobs (id, user_id, archive_key, selections, status, progress,
			result, error, started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.UserID, job.ArchiveKey, job.Selections, job.Status, job.Progress,
		job.Result, job.Error, job.StartedAt, job.FinishedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create skill import job: %w", err)
	}
	return nil
}

// GetSkillImportJob retrieves a job by id.
func (r *Repository) GetSkillImportJob(ctx context.Context, id string) (*models.SkillImportJob, error) {
	job := &models.SkillImportJob{}
	err := r.reader().GetContext(ctx, job, `SELECT * FROM skill_import_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get skill import job: %w", err)
	}
	return job, nil
}

// ClaimNextSkillImportJob moves the oldest queued job to running and
// returns it, or nil when the queue is empty.
func (r *Repository) ClaimNextSkillImportJob(ctx context.Context) (*models.SkillImportJob, error) {
	now := time.Now().UTC()

	job := &models.SkillImportJob{}
	err := r.db.GetContext(ctx, job, `
		SELECT * FROM skill_import_jobs WHERE status = 'queued' ORDER BY created_at LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find queued import job: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE skill_import_jobs SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`, now, now, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim import job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	job.Status = models.ImportRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	return job, nil
}

// UpdateSkillImportProgress advances a running job's progress.
func (r *Repository) UpdateSkillImportProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE skill_import_jobs SET progress = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, progress, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update import progress: %w", err)
	}
	return nil
}

// FinishSkillImportJob records the terminal outcome of a job.
func (r *Repository) FinishSkillImportJob(ctx context.Context, id, status, resultJSON, errMessage string) error {
	now := time.Now().UTC()
	var result *string
	if resultJSON != "" {
		result = &resultJSON
	}
	progress := 100
	if status == models.ImportFailed {
		progress = 0
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE skill_import_jobs SET status = ?, progress = ?, result = ?, error = ?,
			finished_at = ?, updated_at = ?
		WHERE id = ?
	`, status, progress, result, errMessage, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to finish import job: %w", err)
	}
	return nil
}

// ListSkillImportJobs returns a user's jobs, newest first.
func (r *Repository) ListSkillImportJobs(ctx context.Context, userID string, limit int) ([]*models.SkillImportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []*models.SkillImportJob
	err := r.reader().SelectContext(ctx, &jobs, `
		SELECT * FROM skill_import_jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list skill import jobs: %w", err)
	}
	return jobs, nil
}
