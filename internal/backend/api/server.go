// Package api exposes the Backend's HTTP and WebSocket surface.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/runloom/runloom/internal/backend/callback"
	"github.com/runloom/runloom/internal/backend/managerclient"
	"github.com/runloom/runloom/internal/backend/repository/sqlite"
	"github.com/runloom/runloom/internal/backend/runqueue"
	"github.com/runloom/runloom/internal/backend/session"
	"github.com/runloom/runloom/internal/backend/skillimport"
	"github.com/runloom/runloom/internal/backend/userinput"
	"github.com/runloom/runloom/internal/backend/ws"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/httpapi"
	"github.com/runloom/runloom/internal/common/httpmw"
	"github.com/runloom/runloom/internal/common/logger"
)

// Server wires the Backend's services into a gin router.
type Server struct {
	sessions     *session.Service
	queue        *runqueue.Service
	callbacks    *callback.Service
	userInput    *userinput.Service
	skillImports *skillimport.Service
	repo         *sqlite.Repository
	manager      *managerclient.Client
	wsHandler    *ws.Handler
	log          *logger.Logger

	internalToken string
}

// NewServer creates the API server. manager may be nil when no Manager
// is reachable; schedule reads then fail with BACKEND_UNAVAILABLE.
func NewServer(
	sessions *session.Service,
	queue *runqueue.Service,
	callbacks *callback.Service,
	userInput *userinput.Service,
	skillImports *skillimport.Service,
	repo *sqlite.Repository,
	manager *managerclient.Client,
	wsHandler *ws.Handler,
	internalToken string,
	log *logger.Logger,
) *Server {
	return &Server{
		sessions:      sessions,
		queue:         queue,
		callbacks:     callbacks,
		userInput:     userInput,
		skillImports:  skillImports,
		repo:          repo,
		manager:       manager,
		wsHandler:     wsHandler,
		internalToken: internalToken,
		log:           log,
	}
}

// Router builds the route table.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestContext())
	router.Use(httpmw.OtelTracing("backend"))
	router.Use(httpmw.RequestLogger(s.log, "backend"))

	router.GET("/health", func(c *gin.Context) {
		httpapi.OK(c, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sessions", s.createSession)
		v1.GET("/sessions", s.listSessions)
		v1.GET("/sessions/:id", s.getSession)
		v1.GET("/sessions/:id/state", s.getSessionState)
		v1.GET("/sessions/:id/messages", s.listMessages)
		v1.GET("/sessions/:id/tool-executions", s.listToolExecutions)
		v1.GET("/sessions/:id/usage", s.listUsage)
		v1.GET("/sessions/:id/workspace/files", s.workspaceFiles)
		v1.GET("/sessions/:id/workspace/file", s.workspaceFileURL)
		v1.GET("/sessions/:id/runs", s.listRuns)

		v1.POST("/tasks", s.createTask)
		v1.POST("/runs/:run_id/cancel", s.cancelRun)
		v1.POST("/user-input-requests/:id/answer", s.answerUserInput)

		v1.PUT("/env-vars/:key", s.setEnvVar)
		v1.DELETE("/env-vars/:key", s.deleteEnvVar)
		v1.GET("/env-vars", s.listEnvVars)

		v1.POST("/skill-imports", s.createSkillImport)
		v1.GET("/skill-imports", s.listSkillImports)
		v1.GET("/skill-imports/:id", s.getSkillImport)

		v1.GET("/mcp-presets", s.listMCPPresets)
		v1.GET("/skill-presets", s.listSkillPresets)
		v1.GET("/schedules", s.getSchedules)
	}

	internal := v1.Group("")
	internal.Use(httpmw.InternalToken(s.internalToken))
	{
		internal.POST("/callback", s.receiveCallback)
		internal.POST("/runs/claim", s.claimRun)
		internal.POST("/runs/:run_id/start", s.startRun)
		internal.POST("/runs/:run_id/fail", s.failRun)
		internal.POST("/runs/:run_id/complete", s.completeRun)
		internal.POST("/internal/user-input-requests", s.createUserInput)
		internal.GET("/internal/user-input-requests/:id", s.getUserInput)
		internal.GET("/internal/env-vars/map", s.envVarMap)
	}

	router.GET("/ws/sessions/:id", s.wsHandler.HandleSession)
	router.GET("/ws/user", s.wsHandler.HandleUser)

	return router
}

// currentUser resolves the caller's user id. The platform fronts this
// service with an authenticating proxy that sets X-User-ID.
func currentUser(c *gin.Context) (string, bool) {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id, true
	}
	if id := c.Query("user_id"); id != "" {
		return id, true
	}
	return "", false
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := currentUser(c)
	if !ok {
		httpapi.FailWith(c, apperr.CodeUnauthorized, "user identity required")
	}
	return userID, ok
}
