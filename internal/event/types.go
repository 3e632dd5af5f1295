package event

import "encoding/json"

// EventType represents the type of event. The values double as the wire
// protocol's core→client message types.
type EventType string

const (
	SessionStatus      EventType = "session.status"
	SessionHistory     EventType = "session.history"
	SessionDeleted     EventType = "session.deleted"
	StreamMessage      EventType = "stream.message"
	StreamUserPrompt   EventType = "stream.user_prompt"
	PermissionRequest  EventType = "permission.request"
	SettingsLoaded     EventType = "settings.loaded"
	SettingsPermission EventType = "settings.permission"
	RunnerError        EventType = "runner.error"
)

// Event is one published event.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// SessionStatusData announces a session status transition.
type SessionStatusData struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Title     string `json:"title,omitempty"`
}

// SessionDeletedData announces a cascading delete.
type SessionDeletedData struct {
	SessionID string `json:"sessionId"`
}

// StreamMessageData wraps one raw agent protocol message.
type StreamMessageData struct {
	SessionID string          `json:"sessionId"`
	Message   json.RawMessage `json:"message"`
}

// StreamUserPromptData announces a persisted user prompt.
type StreamUserPromptData struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// PermissionRequestData asks the client to arbitrate one tool call.
type PermissionRequestData struct {
	SessionID       string          `json:"sessionId"`
	ToolUseID       string          `json:"toolUseId"`
	ToolName        string          `json:"toolName"`
	Input           json.RawMessage `json:"input"`
	IsProtectedPath bool            `json:"isProtectedPath,omitempty"`
}

// RunnerErrorData carries a human-readable failure message.
type RunnerErrorData struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}
