package bridge

import "encoding/json"

// inbound is one client request line: {type, payload?, id?}. The optional id
// is echoed on the direct reply so the client can pair responses to requests.
type inbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// outbound is one core line written to the client.
type outbound struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type startPayload struct {
	Title       string   `json:"title"`
	Prompt      string   `json:"prompt"`
	Cwd         string   `json:"cwd"`
	Attachments []string `json:"attachments,omitempty"`
}

type continuePayload struct {
	SessionID   string   `json:"sessionId"`
	Prompt      string   `json:"prompt"`
	Attachments []string `json:"attachments,omitempty"`
}

type sessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type permissionResponsePayload struct {
	SessionID        string `json:"sessionId"`
	ToolUseID        string `json:"toolUseId"`
	Result           string `json:"result"` // "allow" or "deny"
	Remember         bool   `json:"remember,omitempty"`
	RememberBehavior string `json:"rememberBehavior,omitempty"`
}

type settingsUpdatePayload struct {
	PermissionMode *string   `json:"permissionMode,omitempty"`
	ProtectedPaths *[]string `json:"protectedPaths,omitempty"`
}

// settingsPayload is the body of settings.loaded.
type settingsPayload struct {
	PermissionMode string   `json:"permissionMode"`
	ProtectedPaths []string `json:"protectedPaths"`
	Model          string   `json:"model,omitempty"`
}
