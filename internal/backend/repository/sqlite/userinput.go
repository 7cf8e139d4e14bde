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

// User input request operations

// CreateUserInputRequest records a pending mid-run question.
func (r *Repository) CreateUserInputRequest(ctx context.Context, req *models.UserInputRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	if req.Status == "" {
		req.Status = models.InputPending
	}
	if req.ToolInput == "" {
		req.ToolInput = "{}"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_input_requests (id, session_id, tool_name, tool_input, status, answers,
			expires_at, answered_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.SessionID, req.ToolName, req.ToolInput, req.Status, req.Answers,
		req.ExpiresAt, req.AnsweredAt, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user input request: %w", err)
	}
	return nil
}

// GetUserInputRequest retrieves a request by id.
func (r *Repository) GetUserInputRequest(ctx context.Context, id string) (*models.UserInputRequest, error) {
	req := &models.UserInputRequest{}
	err := r.reader().GetContext(ctx, req, `SELECT * FROM user_input_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user input request: %w", err)
	}
	return req, nil
}

// ExpireUserInputRequest marks a pending request as expired. Returns
// whether the transition applied.
func (r *Repository) ExpireUserInputRequest(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE user_input_requests SET status = 'expired', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to expire user input request: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AnswerUserInputRequest records the user's answers on a pending request.
// Returns whether the transition applied; a false result means the
// request was already answered or expired.
func (r *Repository) AnswerUserInputRequest(ctx context.Context, id, answersJSON string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE user_input_requests SET status = 'answered', answers = ?, answered_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND expires_at > ?
	`, answersJSON, now, now, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to answer user input request: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListPendingUserInputRequests returns a session's pending requests,
// oldest first. Expiry is applied lazily by the service layer.
func (r *Repository) ListPendingUserInputRequests(ctx context.Context, sessionID string) ([]*models.UserInputRequest, error) {
	var reqs []*models.UserInputRequest
	err := r.reader().SelectContext(ctx, &reqs, `
		SELECT * FROM user_input_requests WHERE session_id = ? AND status = 'pending' ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending user input requests: %w", err)
	}
	return reqs, nil
}
