package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/runloom/runloom/internal/backend/models"
)

// Message operations

// CreateMessage appends a message and fills in its autoincrement id.
func (r *Repository) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Content == "" {
		msg.Content = "{}"
	}
	if msg.Role == "" {
		msg.Role = models.RoleAssistant
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, text_preview, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.SessionID, msg.Role, msg.Content, msg.TextPreview, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}
	msg.ID = id
	return nil
}

// ListMessages returns a session's messages in insertion order. afterID
// limits the result to messages newer than the given id (0 for all);
// limit caps the page size (0 for unlimited).
func (r *Repository) ListMessages(ctx context.Context, sessionID string, afterID int64, limit int) ([]*models.Message, error) {
	query := `SELECT * FROM messages WHERE session_id = ? AND id > ? ORDER BY id`
	args := []any{sessionID, afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var msgs []*models.Message
	if err := r.reader().SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the number of messages in a session.
func (r *Repository) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.reader().GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
