package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/runloom/runloom/internal/backend/models"
)

// Tool execution operations

// UpsertToolUse records a ToolUse block. Re-delivery of the same
// (session_id, tool_use_id) refreshes name and input instead of failing.
func (r *Repository) UpsertToolUse(ctx context.Context, sessionID, toolUseID, toolName, toolInput string, messageID *int64) error {
	now := time.Now().UTC()
	if toolInput == "" {
		toolInput = "{}"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tool_executions (session_id, tool_use_id, message_id, tool_name, tool_input, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, tool_use_id) DO UPDATE SET
			tool_name = excluded.tool_name,
			tool_input = excluded.tool_input,
			message_id = COALESCE(excluded.message_id, tool_executions.message_id),
			updated_at = excluded.updated_at
	`, sessionID, toolUseID, messageID, toolName, toolInput, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert tool use: %w", err)
	}
	return nil
}

// UpsertToolResult completes a tool execution with its output. When the
// matching ToolUse row exists, duration_ms is derived from its created_at.
// A result arriving before its use block still creates the row.
func (r *Repository) UpsertToolResult(ctx context.Context, sessionID, toolUseID, toolOutput string, isError bool, resultMessageID *int64) error {
	now := time.Now().UTC()

	existing := &models.ToolExecution{}
	err := r.db.GetContext(ctx, existing, `
		SELECT * FROM tool_executions WHERE session_id = ? AND tool_use_id = ?
	`, sessionID, toolUseID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to look up tool execution: %w", err)
	}

	if errors.Is(err, sql.ErrNoRows) {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO tool_executions (session_id, tool_use_id, tool_output, is_error, result_message_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sessionID, toolUseID, toolOutput, isError, resultMessageID, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert tool result: %w", err)
		}
		return nil
	}

	durationMS := now.Sub(existing.CreatedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE tool_executions SET tool_output = ?, is_error = ?, result_message_id = ?,
			duration_ms = ?, updated_at = ?
		WHERE session_id = ? AND tool_use_id = ?
	`, toolOutput, isError, resultMessageID, durationMS, now, sessionID, toolUseID)
	if err != nil {
		return fmt.Errorf("failed to update tool result: %w", err)
	}
	return nil
}

// GetToolExecution retrieves one tool execution by its use id.
func (r *Repository) GetToolExecution(ctx context.Context, sessionID, toolUseID string) (*models.ToolExecution, error) {
	te := &models.ToolExecution{}
	err := r.reader().GetContext(ctx, te, `
		SELECT * FROM tool_executions WHERE session_id = ? AND tool_use_id = ?
	`, sessionID, toolUseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool execution: %w", err)
	}
	return te, nil
}

// ListToolExecutions returns a session's tool executions in insertion order.
func (r *Repository) ListToolExecutions(ctx context.Context, sessionID string) ([]*models.ToolExecution, error) {
	var execs []*models.ToolExecution
	err := r.reader().SelectContext(ctx, &execs, `
		SELECT * FROM tool_executions WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool executions: %w", err)
	}
	return execs, nil
}

// Usage log operations

// CreateUsageLog appends a usage record from a result message.
func (r *Repository) CreateUsageLog(ctx context.Context, log *models.UsageLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	if log.Usage == "" {
		log.Usage = "{}"
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_logs (session_id, total_cost_usd, duration_ms, usage, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, log.SessionID, log.TotalCostUSD, log.DurationMS, log.Usage, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create usage log: %w", err)
	}
	log.ID, _ = res.LastInsertId()
	return nil
}

// ListUsageLogs returns a session's usage records in insertion order.
func (r *Repository) ListUsageLogs(ctx context.Context, sessionID string) ([]*models.UsageLog, error) {
	var logs []*models.UsageLog
	err := r.reader().SelectContext(ctx, &logs, `
		SELECT * FROM usage_logs WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage logs: %w", err)
	}
	return logs, nil
}
