package api

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/runloom/runloom/internal/backend/models"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/httpapi"
)

type answerRequest struct {
	Answers map[string]any `json:"answers"`
}

func (s *Server) answerUserInput(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "invalid request body")
		return
	}
	answers, err := json.Marshal(req.Answers)
	if err != nil {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "answers must be a JSON object")
		return
	}
	updated, err := s.userInput.Answer(c.Request.Context(), userID, c.Param("id"), string(answers))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, updated)
}

type setEnvVarRequest struct {
	Value string `json:"value"`
}

func (s *Server) setEnvVar(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req setEnvVarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "invalid request body")
		return
	}
	if err := s.repo.SetEnvVar(c.Request.Context(), userID, c.Param("key"), req.Value); err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"key": c.Param("key")})
}

func (s *Server) deleteEnvVar(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	if err := s.repo.DeleteEnvVar(c.Request.Context(), userID, c.Param("key")); err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"key": c.Param("key")})
}

// listEnvVars returns the user's keys without values.
func (s *Server) listEnvVars(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	vars, err := s.repo.ListEnvVars(c.Request.Context(), userID)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	keys := make([]gin.H, 0, len(vars))
	for _, v := range vars {
		keys = append(keys, gin.H{"key": v.Key, "updated_at": v.UpdatedAt})
	}
	httpapi.OK(c, gin.H{"env_vars": keys})
}

type createSkillImportRequest struct {
	ArchiveKey string   `json:"archive_key"`
	Selections []string `json:"selections,omitempty"`
}

func (s *Server) createSkillImport(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req createSkillImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.FailWith(c, apperr.CodeInvalidInput, "invalid request body")
		return
	}
	job, err := s.skillImports.Enqueue(c.Request.Context(), userID, req.ArchiveKey, req.Selections)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.Accepted(c, job)
}

func (s *Server) listSkillImports(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	jobs, err := s.skillImports.List(c.Request.Context(), userID)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, gin.H{"jobs": jobs})
}

func (s *Server) getSkillImport(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	job, err := s.skillImports.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	httpapi.OK(c, job)
}

func (s *Server) listMCPPresets(c *gin.Context) {
	s.listPresets(c, models.PresetMCP)
}

func (s *Server) listSkillPresets(c *gin.Context) {
	s.listPresets(c, models.PresetSkill)
}

func (s *Server) listPresets(c *gin.Context, kind string) {
	presets, err := s.repo.ListPresets(c.Request.Context(), kind)
	if err != nil {
		httpapi.Fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(presets))
	for _, p := range presets {
		out = append(out, gin.H{
			"name":           p.Name,
			"kind":           p.Kind,
			"transport":      p.Transport,
			"entry":          p.Entry,
			"default_config": p.DefaultConfigMap(),
			"is_active":      p.IsActive,
		})
	}
	httpapi.OK(c, gin.H{"presets": out})
}
