package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/backend/events"
	"github.com/runloom/runloom/internal/backend/session"
	"github.com/runloom/runloom/internal/backend/userinput"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/protocol"
)

// Handler upgrades and serves session and user WebSocket channels.
type Handler struct {
	registry  *Registry
	sessions  *session.Service
	userInput *userinput.Service
	log       *logger.Logger
	upgrader  websocket.Upgrader
}

// NewHandler creates the WebSocket handler.
func NewHandler(registry *Registry, sessions *session.Service, userInput *userinput.Service, log *logger.Logger) *Handler {
	return &Handler{
		registry:  registry,
		sessions:  sessions,
		userInput: userInput,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// userIdentity resolves the caller's user id from header or query.
// When both are present they must agree.
func userIdentity(c *gin.Context) (string, bool) {
	header := c.GetHeader("X-User-ID")
	query := c.Query("user_id")
	if header != "" && query != "" && header != query {
		return "", false
	}
	if header != "" {
		return header, true
	}
	if query != "" {
		return query, true
	}
	return "", false
}

// HandleSession serves /ws/sessions/:id. Ownership violations close the
// socket with policy violation (1008).
func (h *Handler) HandleSession(c *gin.Context) {
	sessionID := c.Param("id")
	userID, ok := userIdentity(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	client := NewClient(conn, userID)

	if !ok {
		client.Close(websocket.ClosePolicyViolation, "user identity required")
		return
	}
	if _, err := h.sessions.Get(c.Request.Context(), userID, sessionID); err != nil {
		client.Close(websocket.ClosePolicyViolation, "session access denied")
		return
	}

	h.registry.Add(sessionID, client)
	defer func() {
		h.registry.Remove(sessionID, client)
		_ = conn.Close()
	}()

	h.sendSnapshot(c.Request.Context(), client, userID, sessionID)
	h.sendPendingInput(c.Request.Context(), client, sessionID)
	h.sendWorkspaceFilesIfReady(c.Request.Context(), client, userID, sessionID)

	h.readLoop(c.Request.Context(), client, userID, sessionID)
}

// HandleUser serves /ws/user for cross-session events such as skill
// import progress.
func (h *Handler) HandleUser(c *gin.Context) {
	userID, ok := userIdentity(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	client := NewClient(conn, userID)

	if !ok {
		client.Close(websocket.ClosePolicyViolation, "user identity required")
		return
	}

	key := UserKey(userID)
	h.registry.Add(key, client)
	defer func() {
		h.registry.Remove(key, client)
		_ = conn.Close()
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var req clientRequest
		if json.Unmarshal(payload, &req) == nil && req.Type == "ping" {
			_ = client.Send(NewEnvelope("pong", "", nil))
		}
	}
}

type clientRequest struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

func (h *Handler) readLoop(ctx context.Context, client *Client, userID, sessionID string) {
	for {
		msgType, payload, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var req clientRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			continue
		}

		switch req.Type {
		case "ping":
			_ = client.Send(NewEnvelope("pong", sessionID, nil))
		case "session.snapshot.request":
			h.sendSnapshot(ctx, client, userID, sessionID)
		case "workspace.files.request":
			h.sendWorkspaceFiles(ctx, client, userID, sessionID)
		case "workspace.file.url.request":
			h.sendFileURL(ctx, client, userID, sessionID, req.Path)
		default:
			h.log.Debug("unknown websocket request", zap.String("type", req.Type))
		}
	}
}

func (h *Handler) sendSnapshot(ctx context.Context, client *Client, userID, sessionID string) {
	snapshot, err := h.sessions.Snapshot(ctx, userID, sessionID)
	if err != nil {
		h.log.WithError(err).WithSessionID(sessionID).Debug("failed to build session snapshot")
		return
	}
	_ = client.Send(NewEnvelope(events.TypeSessionSnapshot, sessionID, snapshot))
}

func (h *Handler) sendPendingInput(ctx context.Context, client *Client, sessionID string) {
	pending, err := h.userInput.ListPending(ctx, sessionID)
	if err != nil {
		h.log.WithError(err).WithSessionID(sessionID).Debug("failed to list pending input")
		return
	}
	if len(pending) == 0 {
		return
	}
	_ = client.Send(NewEnvelope(events.TypeUserInputUpdate, sessionID, map[string]any{"requests": pending}))
}

func (h *Handler) sendWorkspaceFilesIfReady(ctx context.Context, client *Client, userID, sessionID string) {
	sess, err := h.sessions.Get(ctx, userID, sessionID)
	if err != nil || sess.WorkspaceExportStatus != protocol.ExportStatusReady {
		return
	}
	h.sendWorkspaceFiles(ctx, client, userID, sessionID)
}

func (h *Handler) sendWorkspaceFiles(ctx context.Context, client *Client, userID, sessionID string) {
	nodes, err := h.sessions.WorkspaceFiles(ctx, userID, sessionID)
	if err != nil {
		h.log.WithError(err).WithSessionID(sessionID).Debug("failed to build workspace file tree")
		return
	}
	_ = client.Send(NewEnvelope("workspace.files", sessionID, map[string]any{"nodes": nodes}))
}

func (h *Handler) sendFileURL(ctx context.Context, client *Client, userID, sessionID, path string) {
	url, err := h.sessions.WorkspaceFileURL(ctx, userID, sessionID, path)
	if err != nil {
		_ = client.Send(NewEnvelope("workspace.file.url", sessionID, map[string]any{
			"path": path, "error": err.Error(),
		}))
		return
	}
	_ = client.Send(NewEnvelope("workspace.file.url", sessionID, map[string]any{
		"path": path, "url": url,
	}))
}
