package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runloom/runloom/internal/backend/models"
	"github.com/runloom/runloom/internal/common/apperr"
)

// Run operations

// CreateRun enqueues a run.
func (r *Repository) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = models.RunQueued
	}
	if run.ScheduleMode == "" {
		run.ScheduleMode = "immediate"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, session_id, prompt, schedule_mode, scheduled_at, status, worker_id,
			lease_expires_at, progress, started_at, finished_at, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.SessionID, run.Prompt, run.ScheduleMode, run.ScheduledAt, run.Status,
		run.WorkerID, run.LeaseExpiresAt, run.Progress, run.StartedAt, run.FinishedAt,
		run.ErrorMessage, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (r *Repository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	run := &models.Run{}
	err := r.reader().GetContext(ctx, run, `SELECT * FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns a session's runs, newest first.
func (r *Repository) ListRuns(ctx context.Context, sessionID string) ([]*models.Run, error) {
	var runs []*models.Run
	err := r.reader().SelectContext(ctx, &runs, `
		SELECT * FROM runs WHERE session_id = ? ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// ClaimRun atomically claims the oldest eligible queued run for the given
// schedule modes. Eligibility: queued status, scheduled_at null or due,
// and no other claimed/running run for the same session. Ordering is FIFO
// over COALESCE(scheduled_at, created_at) with ties broken by run id.
// Returns nil when no run qualifies.
func (r *Repository) ClaimRun(ctx context.Context, workerID string, lease time.Duration, modes []string) (*models.Run, error) {
	if len(modes) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(modes)), ",")
	args := make([]any, 0, len(modes)+1)
	for _, m := range modes {
		args = append(args, m)
	}
	args = append(args, now)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run := &models.Run{}
	err = tx.GetContext(ctx, run, fmt.Sprintf(`
		SELECT * FROM runs r
		WHERE r.status = 'queued'
		  AND r.schedule_mode IN (%s)
		  AND (r.scheduled_at IS NULL OR r.scheduled_at <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM runs a
			WHERE a.session_id = r.session_id AND a.status IN ('claimed', 'running')
		  )
		ORDER BY COALESCE(r.scheduled_at, r.created_at), r.id
		LIMIT 1
	`, placeholders), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable run: %w", err)
	}

	leaseUntil := now.Add(lease)
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = 'claimed', worker_id = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`, workerID, leaseUntil, now, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to a concurrent worker.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	run.Status = models.RunClaimed
	run.WorkerID = &workerID
	run.LeaseExpiresAt = &leaseUntil
	run.UpdatedAt = now
	return run, nil
}

// transitionRun moves a run to a new state iff the worker still owns a
// live lease. Violations surface as LEASE_LOST.
func (r *Repository) transitionRun(ctx context.Context, runID, workerID, status string, set string, args ...any) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE runs SET status = ?, updated_at = ?%s
		WHERE id = ? AND worker_id = ? AND status IN ('claimed', 'running') AND lease_expires_at > ?
	`, set)
	full := append([]any{status, now}, args...)
	full = append(full, runID, workerID, now)

	res, err := r.db.ExecContext(ctx, query, full...)
	if err != nil {
		return fmt.Errorf("failed to transition run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.CodeLeaseLost, "run %s lease not held by %s", runID, workerID)
	}
	return nil
}

// StartRun transitions claimed to running and renews the lease.
func (r *Repository) StartRun(ctx context.Context, runID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	return r.transitionRun(ctx, runID, workerID, models.RunRunning,
		", started_at = COALESCE(started_at, ?), lease_expires_at = ?", now, now.Add(lease))
}

// CompleteRun transitions to completed with progress forced to 100.
func (r *Repository) CompleteRun(ctx context.Context, runID, workerID string) error {
	return r.transitionRun(ctx, runID, workerID, models.RunCompleted,
		", finished_at = ?, progress = 100", time.Now().UTC())
}

// FailRun transitions to failed with an error message.
func (r *Repository) FailRun(ctx context.Context, runID, workerID, errorMessage string) error {
	return r.transitionRun(ctx, runID, workerID, models.RunFailed,
		", finished_at = ?, error_message = ?", time.Now().UTC(), errorMessage)
}

// GetActiveRun returns the session's most recent claimed or running run.
func (r *Repository) GetActiveRun(ctx context.Context, sessionID string) (*models.Run, error) {
	run := &models.Run{}
	err := r.reader().GetContext(ctx, run, `
		SELECT * FROM runs
		WHERE session_id = ? AND status IN ('claimed', 'running')
		ORDER BY created_at DESC LIMIT 1
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	return run, nil
}

// AdvanceActiveRun applies a callback-driven update to the session's
// active run: progress, claimed-to-running promotion, terminal states.
// Each callback also renews the lease, since callbacks prove the worker
// is alive. Terminal completion forces progress to 100.
func (r *Repository) AdvanceActiveRun(ctx context.Context, runID string, status string, progress int, errorMessage string, lease time.Duration) error {
	now := time.Now().UTC()

	switch status {
	case models.RunRunning:
		_, err := r.db.ExecContext(ctx, `
			UPDATE runs SET status = 'running', progress = ?, started_at = COALESCE(started_at, ?),
				lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status IN ('claimed', 'running')
		`, progress, now, now.Add(lease), now, runID)
		if err != nil {
			return fmt.Errorf("failed to advance run: %w", err)
		}
		return nil
	case models.RunCompleted:
		_, err := r.db.ExecContext(ctx, `
			UPDATE runs SET status = 'completed', progress = 100, finished_at = ?, updated_at = ?
			WHERE id = ? AND status IN ('claimed', 'running')
		`, now, now, runID)
		if err != nil {
			return fmt.Errorf("failed to complete run: %w", err)
		}
		return nil
	case models.RunFailed, models.RunCanceled:
		_, err := r.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, progress = ?, finished_at = ?, error_message = ?, updated_at = ?
			WHERE id = ? AND status IN ('claimed', 'running')
		`, status, progress, now, errorMessage, now, runID)
		if err != nil {
			return fmt.Errorf("failed to fail run: %w", err)
		}
		return nil
	default:
		_, err := r.db.ExecContext(ctx, `
			UPDATE runs SET progress = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status IN ('claimed', 'running')
		`, progress, now.Add(lease), now, runID)
		if err != nil {
			return fmt.Errorf("failed to update run progress: %w", err)
		}
		return nil
	}
}

// RequeueExpiredRuns returns claimed/running runs with expired leases to
// the queue. Worker binding and lease clear; progress is retained for
// observability. Returns the requeued run ids.
func (r *Repository) RequeueExpiredRuns(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()

	var ids []string
	err := r.reader().SelectContext(ctx, &ids, `
		SELECT id FROM runs
		WHERE status IN ('claimed', 'running') AND lease_expires_at < ?
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	for _, id := range ids {
		_, err := r.db.ExecContext(ctx, `
			UPDATE runs SET status = 'queued', worker_id = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status IN ('claimed', 'running') AND lease_expires_at < ?
		`, now, id, now)
		if err != nil {
			return nil, fmt.Errorf("failed to requeue run %s: %w", id, err)
		}
	}
	return ids, nil
}

// CountDueScheduledRuns counts queued scheduled runs whose time has
// come, up to limit.
func (r *Repository) CountDueScheduledRuns(ctx context.Context, limit int) (int, error) {
	var n int
	err := r.reader().GetContext(ctx, &n, `
		SELECT COUNT(*) FROM (
			SELECT id FROM runs
			WHERE status = 'queued' AND schedule_mode = 'scheduled' AND scheduled_at <= ?
			LIMIT ?
		)
	`, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to count due scheduled runs: %w", err)
	}
	return n, nil
}

// CountQueuedRuns reports queue depth by schedule mode.
func (r *Repository) CountQueuedRuns(ctx context.Context) (map[string]int, error) {
	rows, err := r.reader().QueryxContext(ctx, `
		SELECT schedule_mode, COUNT(*) FROM runs WHERE status = 'queued' GROUP BY schedule_mode
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queued runs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var mode string
		var n int
		if err := rows.Scan(&mode, &n); err != nil {
			return nil, err
		}
		counts[mode] = n
	}
	return counts, rows.Err()
}
