// Package protocol defines the wire types exchanged between the Backend,
// the Executor Manager, and executors.
package protocol

import "time"

// Callback statuses reported by executors.
const (
	CallbackAccepted  = "accepted"
	CallbackRunning   = "running"
	CallbackCompleted = "completed"
	CallbackFailed    = "failed"
)

// TerminalStatus reports whether a callback status ends the run.
func TerminalStatus(status string) bool {
	return status == CallbackCompleted || status == CallbackFailed
}

// Workspace export statuses carried on callbacks and sessions.
const (
	ExportStatusPending = "pending"
	ExportStatusReady   = "ready"
	ExportStatusFailed  = "failed"
)

// TodoItem is one entry of the agent's running todo list.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// MCPStatus reports the health of one configured MCP server.
type MCPStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// FileChange describes one workspace file touched during the run.
type FileChange struct {
	Path         string `json:"path"`
	ChangeType   string `json:"change_type"`
	AddedLines   int    `json:"added_lines"`
	DeletedLines int    `json:"deleted_lines"`
}

// WorkspaceState summarizes workspace changes inside a state patch.
type WorkspaceState struct {
	FileChanges       []FileChange `json:"file_changes,omitempty"`
	TotalAddedLines   int          `json:"total_added_lines"`
	TotalDeletedLines int          `json:"total_deleted_lines"`
}

// AgentState is the replaceable state patch the executor reports.
type AgentState struct {
	CurrentStep string          `json:"current_step,omitempty"`
	Todos       []TodoItem      `json:"todos,omitempty"`
	MCPServers  []MCPStatus     `json:"mcp_servers,omitempty"`
	Workspace   *WorkspaceState `json:"workspace,omitempty"`
}

// Callback is the executor callback schema, forwarded by the Manager to
// the Backend. NewMessage is opaque structured SDK output; the Backend
// extracts roles, text previews, and tool blocks from it.
type Callback struct {
	SessionID    string         `json:"session_id"`
	Time         time.Time      `json:"time"`
	Status       string         `json:"status"`
	Progress     int            `json:"progress"`
	NewMessage   map[string]any `json:"new_message,omitempty"`
	StatePatch   *AgentState    `json:"state_patch,omitempty"`
	SDKSessionID string         `json:"sdk_session_id,omitempty"`
	Error        string         `json:"error,omitempty"`

	WorkspaceFilesPrefix  string `json:"workspace_files_prefix,omitempty"`
	WorkspaceManifestKey  string `json:"workspace_manifest_key,omitempty"`
	WorkspaceArchiveKey   string `json:"workspace_archive_key,omitempty"`
	WorkspaceExportStatus string `json:"workspace_export_status,omitempty"`
}
