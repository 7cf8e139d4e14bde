package protocol

// ExecuteRequest starts a run on an executor. The executor acknowledges
// and runs asynchronously, reporting progress through callbacks.
type ExecuteRequest struct {
	SessionID       string         `json:"session_id"`
	RunID           string         `json:"run_id"`
	Prompt          string         `json:"prompt"`
	CallbackURL     string         `json:"callback_url"`
	CallbackToken   string         `json:"callback_token"`
	CallbackBaseURL string         `json:"callback_base_url"`
	Config          map[string]any `json:"config,omitempty"`
	SDKSessionID    string         `json:"sdk_session_id,omitempty"`
}

// ExecuteResponse acknowledges an accepted execution.
type ExecuteResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}
