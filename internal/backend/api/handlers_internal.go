package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/runloom/runloom/internal/backend/models"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/httpapi"
	"github.com/runloom/runloom/internal/protocol"
)

// receiveCallback ingests a Manager-forwarded executor callback.
func (s *Server) receiveCallback(c *gin.Context) {
	var cb protocol.Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "invalid callback body")
		return
	}
	if err := s.callbacks.Process(c.Request.Context(), &cb); err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"session_id": cb.SessionID})
}

func (s *Server) claimRun(c *gin.Context) {
	var req protocol.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "invalid claim body")
		return
	}
	claimed, err := s.queue.Claim(c.Request.Context(), req)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	// A null run means the queue has nothing eligible.
	httpapi.OK(c, gin.H{"run": claimed})
}

func (s *Server) startRun(c *gin.Context) {
	s.transitionRun(c, s.queue.Start)
}

func (s *Server) completeRun(c *gin.Context) {
	s.transitionRun(c, s.queue.Complete)
}

func (s *Server) failRun(c *gin.Context) {
	var req protocol.RunTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WorkerID == "" {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "worker_id is required")
		return
	}
	if err := s.queue.Fail(c.Request.Context(), c.Param("run_id"), req.WorkerID, req.ErrorMessage); err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"run_id": c.Param("run_id")})
}

func (s *Server) transitionRun(c *gin.Context, transition func(ctx context.Context, runID, workerID string) error) {
	var req protocol.RunTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WorkerID == "" {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "worker_id is required")
		return
	}
	if err := transition(c.Request.Context(), c.Param("run_id"), req.WorkerID); err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"run_id": c.Param("run_id")})
}

type createUserInputRequest struct {
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

func (s *Server) createUserInput(c *gin.Context) {
	var req createUserInputRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "session_id is required")
		return
	}
	created, err := s.userInput.Create(c.Request.Context(), req.SessionID, req.ToolName,
		models.MarshalJSONMap(req.ToolInput))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.Created(c, created)
}

func (s *Server) getUserInput(c *gin.Context) {
	req, err := s.userInput.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	out := gin.H{
		"id":         req.ID,
		"session_id": req.SessionID,
		"tool_name":  req.ToolName,
		"status":     req.Status,
		"expires_at": req.ExpiresAt,
	}
	if req.Answers != nil {
		out["answers"] = *req.Answers
	}
	httpapi.OK(c, out)
}

// envVarMap serves the resolver's user env map. Values are secrets; the
// route sits behind the internal token.
func (s *Server) envVarMap(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "user_id is required")
		return
	}
	m, err := s.repo.EnvVarMap(c.Request.Context(), userID)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"env": m})
}
