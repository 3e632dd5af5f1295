package types

// PermissionMode controls how tool-use requests are arbitrated.
type PermissionMode string

const (
	// ModeInteractive auto-allows only read-only tools; everything else,
	// including unknown tools, requires explicit approval.
	ModeInteractive PermissionMode = "interactive"

	// ModeAutoSafe auto-allows read-only tools, defers known mutating tools
	// to the user, and allows unknown tools.
	ModeAutoSafe PermissionMode = "auto-safe"

	// ModeBypass allows everything without asking.
	ModeBypass PermissionMode = "bypass"
)

// PolicyBehavior is a remembered decision for a (tool, path) pair.
type PolicyBehavior string

const (
	PolicyAlwaysAllow PolicyBehavior = "always_allow"
	PolicyAlwaysDeny  PolicyBehavior = "always_deny"
	PolicyAsk         PolicyBehavior = "ask"
)

// PermissionPolicy is a stored allow/deny rule. Path is optional: a row with
// an empty Path applies to every invocation of the tool, and loses to any
// path-scoped row for the same tool.
type PermissionPolicy struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Path      string         `json:"path,omitempty"`
	Behavior  PolicyBehavior `json:"behavior"`
	CreatedAt int64          `json:"createdAt"`
}
