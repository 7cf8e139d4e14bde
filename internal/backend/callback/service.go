// Package callback ingests executor callbacks forwarded by the Manager:
// message persistence, tool execution tracking, state patches, run
// transitions, and client notification.
package callback

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/backend/events"
	"github.com/runloom/runloom/internal/backend/models"
	"github.com/runloom/runloom/internal/backend/repository/sqlite"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/events/bus"
	"github.com/runloom/runloom/internal/protocol"
)

const textPreviewRunes = 500

// Service processes callbacks against the Backend's state.
type Service struct {
	repo *sqlite.Repository
	bus  bus.EventBus
	log  *logger.Logger

	lease time.Duration
}

// New creates the callback service.
func New(repo *sqlite.Repository, eventBus bus.EventBus, leaseSeconds int, log *logger.Logger) *Service {
	if leaseSeconds <= 0 {
		leaseSeconds = 30
	}
	return &Service{
		repo:  repo,
		bus:   eventBus,
		log:   log,
		lease: time.Duration(leaseSeconds) * time.Second,
	}
}

// Process applies one callback. The session id on the wire may be either
// the Backend's session UUID or the executor SDK's session id.
func (s *Service) Process(ctx context.Context, cb *protocol.Callback) error {
	session, err := s.resolveSession(ctx, cb.SessionID)
	if err != nil {
		return err
	}

	log := s.log.WithContext(ctx).WithSessionID(session.ID)

	sdkID := cb.SDKSessionID
	if sdkID == "" && cb.NewMessage != nil {
		sdkID = sdkSessionIDFromMessage(cb.NewMessage)
	}
	if sdkID != "" {
		applied, err := s.repo.AssignSDKSessionID(ctx, session.ID, sdkID)
		if err != nil {
			return err
		}
		if applied {
			log.Info("sdk session id assigned", zap.String("sdk_session_id", sdkID))
		}
	}

	if cb.NewMessage != nil {
		if err := s.persistMessage(ctx, session, cb.NewMessage); err != nil {
			return err
		}
	}

	if cb.StatePatch != nil {
		if err := s.applyStatePatch(ctx, session, cb.StatePatch); err != nil {
			return err
		}
	}

	if err := s.advanceRun(ctx, session, cb); err != nil {
		return err
	}

	s.applyWorkspaceFields(ctx, session, cb)
	return nil
}

func (s *Service) resolveSession(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "session_id is required")
	}
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session, err = s.repo.GetSessionBySDKID(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	if session == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "no session for callback id %s", id)
	}
	return session, nil
}

// persistMessage appends the structured message and extracts tool and
// usage blocks from it.
func (s *Service) persistMessage(ctx context.Context, session *models.Session, raw map[string]any) error {
	msgType, _ := raw["_type"].(string)

	msg := &models.Message{
		SessionID:   session.ID,
		Role:        messageRole(msgType),
		Content:     models.MarshalJSONMap(raw),
		TextPreview: extractTextPreview(raw),
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return err
	}

	for _, block := range contentBlocks(raw) {
		blockType, _ := block["_type"].(string)
		switch blockType {
		case "ToolUseBlock":
			useID, _ := block["id"].(string)
			name, _ := block["name"].(string)
			if useID == "" {
				continue
			}
			input := models.MarshalJSONMap(asMap(block["input"]))
			if err := s.repo.UpsertToolUse(ctx, session.ID, useID, name, input, &msg.ID); err != nil {
				return err
			}
		case "ToolResultBlock":
			useID, _ := block["tool_use_id"].(string)
			if useID == "" {
				continue
			}
			output := stringifyContent(block["content"])
			isError, _ := block["is_error"].(bool)
			if err := s.repo.UpsertToolResult(ctx, session.ID, useID, output, isError, &msg.ID); err != nil {
				return err
			}
		}
	}

	if msgType == "ResultMessage" {
		usage := &models.UsageLog{
			SessionID:    session.ID,
			TotalCostUSD: asFloat(raw["total_cost_usd"]),
			DurationMS:   int64(asFloat(raw["duration_ms"])),
			Usage:        models.MarshalJSONMap(asMap(raw["usage"])),
		}
		if err := s.repo.CreateUsageLog(ctx, usage); err != nil {
			return err
		}
	}

	s.publish(ctx, session, events.TypeMessageNew, map[string]any{
		"id":           msg.ID,
		"role":         msg.Role,
		"content":      msg.ContentMap(),
		"text_preview": msg.TextPreview,
		"timestamp":    msg.CreatedAt,
	})
	return nil
}

func (s *Service) applyStatePatch(ctx context.Context, session *models.Session, patch *protocol.AgentState) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateStatePatch(ctx, session.ID, string(data)); err != nil {
		return err
	}

	var patchMap map[string]any
	_ = json.Unmarshal(data, &patchMap)
	s.publish(ctx, session, events.TypeSessionPatch, map[string]any{"state": patchMap})
	return nil
}

// advanceRun mirrors the callback status onto the session's active run
// and the session itself. A callback for a session without an active run
// is tolerated; the run may have been requeued after a lease expiry.
func (s *Service) advanceRun(ctx context.Context, session *models.Session, cb *protocol.Callback) error {
	run, err := s.repo.GetActiveRun(ctx, session.ID)
	if err != nil {
		return err
	}
	if run == nil {
		if protocol.TerminalStatus(cb.Status) {
			s.log.WithSessionID(session.ID).Warn("terminal callback without active run",
				zap.String("status", cb.Status))
		}
		return nil
	}

	var runStatus, sessionStatus string
	switch cb.Status {
	case protocol.CallbackRunning:
		runStatus, sessionStatus = models.RunRunning, models.SessionRunning
	case protocol.CallbackCompleted:
		runStatus, sessionStatus = models.RunCompleted, models.SessionCompleted
	case protocol.CallbackFailed:
		runStatus, sessionStatus = models.RunFailed, models.SessionFailed
	default:
		// Accepted and unknown statuses only renew the lease and progress.
		return s.repo.AdvanceActiveRun(ctx, run.ID, "", cb.Progress, "", s.lease)
	}

	if err := s.repo.AdvanceActiveRun(ctx, run.ID, runStatus, cb.Progress, cb.Error, s.lease); err != nil {
		return err
	}
	if session.Status != sessionStatus {
		if err := s.repo.UpdateSessionStatus(ctx, session.ID, sessionStatus); err != nil {
			return err
		}
	}

	progress := cb.Progress
	if runStatus == models.RunCompleted {
		progress = 100
	}
	data := map[string]any{
		"status":   sessionStatus,
		"run_id":   run.ID,
		"progress": progress,
	}
	if cb.Error != "" {
		data["error"] = cb.Error
	}
	s.publish(ctx, session, events.TypeSessionStatus, data)
	return nil
}

func (s *Service) applyWorkspaceFields(ctx context.Context, session *models.Session, cb *protocol.Callback) {
	if cb.WorkspaceFilesPrefix == "" && cb.WorkspaceManifestKey == "" &&
		cb.WorkspaceArchiveKey == "" && cb.WorkspaceExportStatus == "" {
		return
	}
	err := s.repo.UpdateWorkspaceFields(ctx, session.ID,
		cb.WorkspaceFilesPrefix, cb.WorkspaceManifestKey, cb.WorkspaceArchiveKey, cb.WorkspaceExportStatus)
	if err != nil {
		s.log.WithError(err).WithSessionID(session.ID).Error("failed to update workspace fields")
		return
	}
	if cb.WorkspaceExportStatus != "" {
		s.publish(ctx, session, events.TypeWorkspaceExport, map[string]any{
			"export_status": cb.WorkspaceExportStatus,
			"manifest_key":  cb.WorkspaceManifestKey,
			"archive_key":   cb.WorkspaceArchiveKey,
		})
	}
}

func (s *Service) publish(ctx context.Context, session *models.Session, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{"session_id": session.ID, "user_id": session.UserID}
	for k, v := range data {
		payload[k] = v
	}
	event := bus.NewEvent(eventType, "backend.callback", payload)
	if err := s.bus.Publish(ctx, events.SessionSubject(session.ID), event); err != nil {
		s.log.WithError(err).Debug("failed to publish callback event", zap.String("type", eventType))
	}
}

// sdkSessionIDFromMessage pulls the executor SDK's session id out of
// the messages that carry it: a SystemMessage init (data.session_id,
// falling back to the top-level field) or a ResultMessage.
func sdkSessionIDFromMessage(raw map[string]any) string {
	msgType, _ := raw["_type"].(string)
	switch msgType {
	case "SystemMessage":
		if subtype, _ := raw["subtype"].(string); subtype != "init" {
			return ""
		}
		if data := asMap(raw["data"]); data != nil {
			if id, _ := data["session_id"].(string); id != "" {
				return id
			}
		}
		id, _ := raw["session_id"].(string)
		return id
	case "ResultMessage":
		id, _ := raw["session_id"].(string)
		return id
	default:
		return ""
	}
}

func messageRole(msgType string) string {
	switch msgType {
	case "UserMessage":
		return models.RoleUser
	case "AssistantMessage":
		return models.RoleAssistant
	default:
		return models.RoleSystem
	}
}

// extractTextPreview concatenates TextBlock contents, capped for list
// rendering.
func extractTextPreview(raw map[string]any) string {
	var parts []string
	for _, block := range contentBlocks(raw) {
		if blockType, _ := block["_type"].(string); blockType == "TextBlock" {
			if text, _ := block["text"].(string); text != "" {
				parts = append(parts, text)
			}
		}
	}
	preview := strings.Join(parts, "\n")
	runes := []rune(preview)
	if len(runes) > textPreviewRunes {
		preview = string(runes[:textPreviewRunes])
	}
	return preview
}

func contentBlocks(raw map[string]any) []map[string]any {
	list, ok := raw["content"].([]any)
	if !ok {
		return nil
	}
	blocks := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if block, ok := item.(map[string]any); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func stringifyContent(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case nil:
		return ""
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
