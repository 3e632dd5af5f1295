package types

import "encoding/json"

// Message is one opaque turn-record in a session's ordered log. The payload is
// either a raw agent protocol message or a synthetic user-prompt record; the
// store never interprets it.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"` // unix millis
}

// UserPrompt is the synthetic payload recorded when the user submits a prompt.
type UserPrompt struct {
	Type        string   `json:"type"` // always "user_prompt"
	Prompt      string   `json:"prompt"`
	Attachments []string `json:"attachments,omitempty"`
}

// NewUserPrompt builds a user-prompt payload.
func NewUserPrompt(prompt string, attachments []string) UserPrompt {
	return UserPrompt{Type: "user_prompt", Prompt: prompt, Attachments: attachments}
}
