package api

import (
	"github.com/gin-gonic/gin"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/httpapi"
	"github.com/runloom/runloom/internal/protocol"
)

// receiveCallback ingests an executor callback and runs the pipeline.
// A forward failure returns non-2xx so the executor retries.
func (s *Server) receiveCallback(c *gin.Context) {
	var cb protocol.Callback
	if err := c.ShouldBindJSON(&cb); err != nil || cb.SessionID == "" {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "invalid callback body")
		return
	}
	if err := s.pipeline.Process(c.Request.Context(), &cb); err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"session_id": cb.SessionID})
}

type userInputRequest struct {
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

// createUserInput proxies an executor question to the Backend's
// internal endpoint, since executors only hold the callback token.
func (s *Server) createUserInput(c *gin.Context) {
	var req userInputRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "session_id is required")
		return
	}
	data, err := s.userInput.CreateUserInputRequest(c.Request.Context(), req.SessionID, req.ToolName, req.ToolInput)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, data)
}

func (s *Server) getUserInput(c *gin.Context) {
	data, err := s.userInput.GetUserInputRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, data)
}

func (s *Server) triggerPull(c *gin.Context) {
	var req protocol.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "invalid trigger body")
		return
	}
	httpapi.OK(c, s.loop.Trigger(req.ScheduleModes, req.Reason))
}

func (s *Server) openWindow(c *gin.Context) {
	if err := s.loop.OpenWindow(c.Param("rule_id")); err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"rule_id": c.Param("rule_id")})
}

func (s *Server) getSchedules(c *gin.Context) {
	httpapi.OK(c, gin.H{"rules": s.loop.Rules()})
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) cancelTask(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "session_id is required")
		return
	}
	if err := s.pool.CancelTask(c.Request.Context(), req.SessionID); err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"session_id": req.SessionID})
}

type deleteContainerRequest struct {
	ContainerID string `json:"container_id"`
}

func (s *Server) deleteContainer(c *gin.Context) {
	var req deleteContainerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ContainerID == "" {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "container_id is required")
		return
	}
	if err := s.pool.DeleteContainer(c.Request.Context(), req.ContainerID); err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"container_id": req.ContainerID})
}

func (s *Server) executorLoad(c *gin.Context) {
	httpapi.OK(c, s.pool.Stats())
}

func (s *Server) workspaceStats(c *gin.Context) {
	httpapi.OK(c, s.workspace.Stats())
}

func (s *Server) workspaceUser(c *gin.Context) {
	sessions, err := s.workspace.UserSessions(c.Param("user"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"sessions": sessions})
}

func (s *Server) workspaceArchive(c *gin.Context) {
	key, err := s.workspace.Archive(c.Request.Context(), c.Param("user"), c.Param("session"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"archive_key": key})
}

func (s *Server) workspaceDelete(c *gin.Context) {
	if err := s.workspace.Delete(c.Param("user"), c.Param("session")); err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"session_id": c.Param("session")})
}

func (s *Server) workspaceFiles(c *gin.Context) {
	files, err := s.workspace.ListFiles(c.Param("user"), c.Param("session"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"files": files})
}

func (s *Server) workspaceFileURL(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "path is required")
		return
	}
	url, err := s.workspace.FileURL(c.Request.Context(), c.Param("user"), c.Param("session"), path)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"url": url, "path": path})
}
