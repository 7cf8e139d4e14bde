package protocol

import "time"

// Schedule modes for runs.
const (
	ScheduleImmediate = "immediate"
	ScheduleScheduled = "scheduled"
)

// ClaimRequest asks the Backend for the oldest eligible queued run.
type ClaimRequest struct {
	WorkerID      string   `json:"worker_id"`
	LeaseSeconds  int      `json:"lease_seconds"`
	ScheduleModes []string `json:"schedule_modes"`
}

// ClaimedRun is the claim result: the run plus the session context the
// dispatcher needs to execute it.
type ClaimedRun struct {
	RunID          string         `json:"run_id"`
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	Prompt         string         `json:"prompt"`
	ScheduleMode   string         `json:"schedule_mode"`
	SDKSessionID   string         `json:"sdk_session_id,omitempty"`
	ConfigSnapshot map[string]any `json:"config_snapshot,omitempty"`
	LeaseExpiresAt time.Time      `json:"lease_expires_at"`
}

// RunTransitionRequest carries the worker identity for start/fail/complete.
type RunTransitionRequest struct {
	WorkerID     string `json:"worker_id"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// TriggerRequest asks the Manager's pull loop to poll soon.
type TriggerRequest struct {
	ScheduleModes []string `json:"schedule_modes,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// TriggerResponse reports whether the trigger was accepted or coalesced
// into an already pending poll.
type TriggerResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}
