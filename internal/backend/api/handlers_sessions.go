package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/runloom/runloom/internal/backend/runqueue"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/httpapi"
)

type createSessionRequest struct {
	Config map[string]any `json:"config,omitempty"`
}

func (s *Server) createSession(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "invalid request body")
		return
	}
	session, err := s.sessions.Create(c.Request.Context(), userID, req.Config)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.Created(c, session)
}

func (s *Server) listSessions(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	sessions, err := s.sessions.List(c.Request.Context(), userID, limit)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"sessions": sessions})
}

func (s *Server) getSession(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	session, err := s.sessions.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, session)
}

func (s *Server) getSessionState(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	snapshot, err := s.sessions.Snapshot(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, snapshot)
}

func (s *Server) listMessages(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	afterID, _ := strconv.ParseInt(c.Query("after_id"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := s.sessions.Messages(c.Request.Context(), userID, c.Param("id"), afterID, limit)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}

	// Expand the opaque content column for clients.
	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, gin.H{
			"id":           m.ID,
			"role":         m.Role,
			"content":      m.ContentMap(),
			"text_preview": m.TextPreview,
			"timestamp":    m.CreatedAt,
		})
	}
	httpapi.OK(c, gin.H{"messages": out})
}

func (s *Server) listToolExecutions(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	execs, err := s.sessions.ToolExecutions(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"tool_executions": execs})
}

func (s *Server) listUsage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	logs, err := s.sessions.Usage(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"usage": logs})
}

func (s *Server) workspaceFiles(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	nodes, err := s.sessions.WorkspaceFiles(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"nodes": nodes})
}

func (s *Server) workspaceFileURL(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	path := c.Query("path")
	if path == "" {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "path is required")
		return
	}
	url, err := s.sessions.WorkspaceFileURL(c.Request.Context(), userID, c.Param("id"), path)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"path": path, "url": url})
}

func (s *Server) listRuns(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	runs, err := s.queue.ListRuns(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"runs": runs})
}

func (s *Server) createTask(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req runqueue.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "invalid request body")
		return
	}
	req.UserID = userID

	session, run, err := s.queue.CreateTask(c.Request.Context(), req)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.Created(c, gin.H{"run_id": run.ID, "session_id": session.ID})
}

func (s *Server) cancelRun(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	if err := s.queue.Cancel(c.Request.Context(), userID, c.Param("run_id")); err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"run_id": c.Param("run_id")})
}

func (s *Server) getSchedules(c *gin.Context) {
	if s.manager == nil {
		httpapi.FailWith(c, apperr.CodeBackendUnavailable, "no executor manager configured")
		return
	}
	rules, err := s.manager.Schedules(c.Request.Context())
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"rules": rules})
}
