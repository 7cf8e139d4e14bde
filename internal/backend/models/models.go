// Package models defines the Backend's persisted entities.
package models

import (
	"encoding/json"
	"time"
)

// Session statuses.
const (
	SessionPending   = "pending"
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Run statuses.
const (
	RunQueued    = "queued"
	RunClaimed   = "claimed"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// UserInputRequest statuses.
const (
	InputPending  = "pending"
	InputAnswered = "answered"
	InputExpired  = "expired"
)

// SkillImportJob statuses.
const (
	ImportQueued  = "queued"
	ImportRunning = "running"
	ImportSuccess = "success"
	ImportFailed  = "failed"
)

// Session is a logical conversation owning messages, tool executions,
// usage logs, and runs. JSON-valued columns are stored as TEXT.
type Session struct {
	ID           string  `db:"id" json:"session_id"`
	UserID       string  `db:"user_id" json:"user_id"`
	SDKSessionID *string `db:"sdk_session_id" json:"sdk_session_id,omitempty"`
	Title        string  `db:"title" json:"title"`
	Status       string  `db:"status" json:"status"`

	ConfigSnapshot string  `db:"config_snapshot" json:"-"`
	StatePatch     *string `db:"state_patch" json:"-"`

	WorkspaceFilesPrefix  string `db:"workspace_files_prefix" json:"workspace_files_prefix,omitempty"`
	WorkspaceManifestKey  string `db:"workspace_manifest_key" json:"workspace_manifest_key,omitempty"`
	WorkspaceArchiveKey   string `db:"workspace_archive_key" json:"workspace_archive_key,omitempty"`
	WorkspaceExportStatus string `db:"workspace_export_status" json:"workspace_export_status,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Config unmarshals the session's config snapshot.
func (s *Session) Config() map[string]any {
	if s.ConfigSnapshot == "" {
		return nil
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(s.ConfigSnapshot), &cfg); err != nil {
		return nil
	}
	return cfg
}

// Patch unmarshals the session's state patch, nil when absent.
func (s *Session) Patch() map[string]any {
	if s.StatePatch == nil || *s.StatePatch == "" {
		return nil
	}
	var patch map[string]any
	if err := json.Unmarshal([]byte(*s.StatePatch), &patch); err != nil {
		return nil
	}
	return patch
}

// Run is one execution attempt of a session.
type Run struct {
	ID           string     `db:"id" json:"run_id"`
	SessionID    string     `db:"session_id" json:"session_id"`
	Prompt       string     `db:"prompt" json:"prompt"`
	ScheduleMode string     `db:"schedule_mode" json:"schedule_mode"`
	ScheduledAt  *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	Status       string     `db:"status" json:"status"`

	WorkerID       *string    `db:"worker_id" json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`

	Progress     int        `db:"progress" json:"progress"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	ErrorMessage string     `db:"error_message" json:"error_message,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Active reports whether the run holds (or should hold) a lease.
func (r *Run) Active() bool {
	return r.Status == RunClaimed || r.Status == RunRunning
}

// Message is an append-only conversation entry. IDs are monotonic per
// database so clients can order by id.
type Message struct {
	ID          int64     `db:"id" json:"id"`
	SessionID   string    `db:"session_id" json:"session_id"`
	Role        string    `db:"role" json:"role"`
	Content     string    `db:"content" json:"-"`
	TextPreview string    `db:"text_preview" json:"text_preview"`
	CreatedAt   time.Time `db:"created_at" json:"timestamp"`
}

// ContentMap unmarshals the opaque structured content.
func (m *Message) ContentMap() map[string]any {
	var content map[string]any
	if err := json.Unmarshal([]byte(m.Content), &content); err != nil {
		return nil
	}
	return content
}

// ToolExecution tracks one tool call. The Use block creates the row, the
// Result block completes it; (session_id, tool_use_id) is unique.
type ToolExecution struct {
	ID              int64     `db:"id" json:"id"`
	SessionID       string    `db:"session_id" json:"session_id"`
	ToolUseID       string    `db:"tool_use_id" json:"tool_use_id"`
	MessageID       *int64    `db:"message_id" json:"message_id,omitempty"`
	ToolName        string    `db:"tool_name" json:"tool_name"`
	ToolInput       string    `db:"tool_input" json:"-"`
	ToolOutput      *string   `db:"tool_output" json:"-"`
	IsError         bool      `db:"is_error" json:"is_error"`
	ResultMessageID *int64    `db:"result_message_id" json:"result_message_id,omitempty"`
	DurationMS      *int64    `db:"duration_ms" json:"duration_ms,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// UsageLog records model usage reported by a ResultMessage.
type UsageLog struct {
	ID           int64     `db:"id" json:"id"`
	SessionID    string    `db:"session_id" json:"session_id"`
	TotalCostUSD float64   `db:"total_cost_usd" json:"total_cost_usd"`
	DurationMS   int64     `db:"duration_ms" json:"duration_ms"`
	Usage        string    `db:"usage" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// UserInputRequest is a mid-run question from the executor to the user.
type UserInputRequest struct {
	ID         string     `db:"id" json:"id"`
	SessionID  string     `db:"session_id" json:"session_id"`
	ToolName   string     `db:"tool_name" json:"tool_name"`
	ToolInput  string     `db:"tool_input" json:"-"`
	Status     string     `db:"status" json:"status"`
	Answers    *string    `db:"answers" json:"-"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	AnsweredAt *time.Time `db:"answered_at" json:"answered_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// SkillImportJob is a durable background skill import.
type SkillImportJob struct {
	ID         string     `db:"id" json:"id"`
	UserID     string     `db:"user_id" json:"user_id"`
	ArchiveKey string     `db:"archive_key" json:"archive_key"`
	Selections string     `db:"selections" json:"-"`
	Status     string     `db:"status" json:"status"`
	Progress   int        `db:"progress" json:"progress"`
	Result     *string    `db:"result" json:"-"`
	Error      string     `db:"error" json:"error,omitempty"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// Preset is a reusable MCP server or skill configuration referenced from
// task configs via $ref. Kind is "mcp" or "skill".
type Preset struct {
	ID            string    `db:"id" json:"id"`
	Kind          string    `db:"kind" json:"kind"`
	Name          string    `db:"name" json:"name"`
	Transport     string    `db:"transport" json:"transport,omitempty"`
	Entry         string    `db:"entry" json:"entry,omitempty"`
	DefaultConfig string    `db:"default_config" json:"-"`
	IsActive      bool      `db:"is_active" json:"is_active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// DefaultConfigMap unmarshals the preset's default config.
func (p *Preset) DefaultConfigMap() map[string]any {
	if p.DefaultConfig == "" {
		return nil
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(p.DefaultConfig), &cfg); err != nil {
		return nil
	}
	return cfg
}

// Preset kinds.
const (
	PresetMCP   = "mcp"
	PresetSkill = "skill"
)

// EnvVar is a user-scoped secret substituted into task configs.
type EnvVar struct {
	ID        int64     `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// MarshalJSONMap serializes a map for a TEXT column, defaulting to "{}".
func MarshalJSONMap(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
