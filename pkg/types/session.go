// Package types holds the domain records shared between the store, the
// session registry, and the wire protocol.
package types

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// Session is one conversation thread.
type Session struct {
	ID string `json:"id"`

	// Title is user-facing, auto-generated from the first exchange.
	Title string `json:"title"`

	Status SessionStatus `json:"status"`

	// Cwd is the working directory agent invocations run in.
	Cwd string `json:"cwd"`

	// AgentSessionID is the executor's own session identifier, captured from
	// the stream handshake. It is a best-effort resume hint only; context
	// reconstruction never depends on it.
	AgentSessionID string `json:"agentSessionId,omitempty"`

	// LastPrompt is the most recent user prompt text.
	LastPrompt string `json:"lastPrompt,omitempty"`

	CreatedAt int64 `json:"createdAt"` // unix millis
	UpdatedAt int64 `json:"updatedAt"` // unix millis
}

// SessionUpdate is a partial update applied to a stored session.
// Nil fields are left untouched.
type SessionUpdate struct {
	Title          *string
	Status         *SessionStatus
	AgentSessionID *string
	LastPrompt     *string
}
