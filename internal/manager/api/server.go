// Package api exposes the Manager's HTTP surface: callback ingress,
// pull triggers, executor control, workspace maintenance, and the
// schedule listing.
package api

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/runloom/runloom/internal/common/httpapi"
	"github.com/runloom/runloom/internal/common/httpmw"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/manager/callback"
	"github.com/runloom/runloom/internal/manager/export"
	"github.com/runloom/runloom/internal/manager/pool"
	"github.com/runloom/runloom/internal/manager/pull"
)

// UserInputProxy relays executor user-input calls to the Backend, which
// executors cannot reach directly.
type UserInputProxy interface {
	CreateUserInputRequest(ctx context.Context, sessionID, toolName string, toolInput map[string]any) (json.RawMessage, error)
	GetUserInputRequest(ctx context.Context, id string) (json.RawMessage, error)
}

// Server wires the Manager's services into a gin router.
type Server struct {
	pipeline  *callback.Pipeline
	loop      *pull.Loop
	pool      *pool.Pool
	workspace *export.Service
	userInput UserInputProxy
	log       *logger.Logger

	internalToken string
	callbackToken string
}

// NewServer creates the Manager API server. The callback token guards
// the executor-facing endpoints (callback ingress and the user-input
// proxy); the internal token guards the Backend-facing trigger
// endpoint.
func NewServer(
	pipeline *callback.Pipeline,
	loop *pull.Loop,
	containerPool *pool.Pool,
	workspace *export.Service,
	userInput UserInputProxy,
	internalToken string,
	callbackToken string,
	log *logger.Logger,
) *Server {
	return &Server{
		pipeline:      pipeline,
		loop:          loop,
		pool:          containerPool,
		workspace:     workspace,
		userInput:     userInput,
		internalToken: internalToken,
		callbackToken: callbackToken,
		log:           log,
	}
}

// Router builds the route table.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestContext())
	router.Use(httpmw.OtelTracing("manager"))
	router.Use(httpmw.RequestLogger(s.log, "manager"))

	router.GET("/health", func(c *gin.Context) {
		httpapi.OK(c, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/schedules", s.getSchedules)

		callbacks := v1.Group("")
		callbacks.Use(httpmw.InternalToken(s.callbackToken))
		{
			callbacks.POST("/callback", s.receiveCallback)
			callbacks.POST("/user-input-requests", s.createUserInput)
			callbacks.GET("/user-input-requests/:id", s.getUserInput)
		}

		executor := v1.Group("/executor")
		{
			executor.POST("/cancel", s.cancelTask)
			executor.POST("/delete", s.deleteContainer)
			executor.GET("/load", s.executorLoad)
		}

		workspace := v1.Group("/workspace")
		{
			workspace.GET("/stats", s.workspaceStats)
			workspace.GET("/users/:user", s.workspaceUser)
			workspace.POST("/archive/:user/:session", s.workspaceArchive)
			workspace.DELETE("/:user/:session", s.workspaceDelete)
			workspace.GET("/files/:user/:session", s.workspaceFiles)
			workspace.GET("/file/:user/:session", s.workspaceFileURL)
		}

		internal := v1.Group("/internal")
		internal.Use(httpmw.InternalToken(s.internalToken))
		{
			internal.POST("/pull/trigger", s.triggerPull)
			internal.POST("/pull/windows/:rule_id/open", s.openWindow)
		}
	}

	return router
}
