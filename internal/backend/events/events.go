// Package events defines the Backend's internal event subjects and type
// names. Services publish on the event bus; the WebSocket notifier
// subscribes and fans out to connected clients.
package events

// Event type names carried in bus events and WebSocket envelopes.
const (
	TypeSessionSnapshot = "session.snapshot"
	TypeSessionStatus   = "session.status"
	TypeSessionPatch    = "session.patch"
	TypeMessageNew      = "message.new"
	TypeUserInputUpdate = "user_input.update"
	TypeWorkspaceExport = "workspace.export"
	TypeSkillImportJob  = "skill_import.job"
)

// SessionSubject returns the bus subject for one session's events.
// Subscribers use "session.events.>" to observe all sessions.
func SessionSubject(sessionID string) string {
	return "session.events." + sessionID
}

// UserSubject returns the bus subject for one user's events.
func UserSubject(userID string) string {
	return "user.events." + userID
}

// Wildcard subjects for notifier subscriptions.
const (
	AllSessionEvents = "session.events.>"
	AllUserEvents    = "user.events.>"
)

// Skill import queue subject. Workers use a queue subscription so each
// job wakeup is handled once.
const SkillImportWake = "skill_import.wake"
