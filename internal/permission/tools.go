package permission

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// askUserTool is the executor's own "ask the user a question" tool. It always
// defers to the human; no stored policy or mode can short-circuit it.
const askUserTool = "AskUserQuestion"

// scopeKind describes what a tool's extracted scope value is, which decides
// whether protected-path rules apply to it.
type scopeKind int

const (
	scopeNone scopeKind = iota
	scopePath
	scopeCommand
	scopeURL
)

// toolScopeField maps a tool name to the input field carrying its scope.
// A static table, not a conditional cascade: adding a tool is one row.
var toolScopeField = map[string]struct {
	field string
	kind  scopeKind
}{
	"Read":         {"file_path", scopePath},
	"Edit":         {"file_path", scopePath},
	"MultiEdit":    {"file_path", scopePath},
	"Write":        {"file_path", scopePath},
	"NotebookEdit": {"notebook_path", scopePath},
	"NotebookRead": {"notebook_path", scopePath},
	"Glob":         {"path", scopePath},
	"Grep":         {"path", scopePath},
	"LS":           {"path", scopePath},
	"Bash":         {"command", scopeCommand},
	"WebFetch":     {"url", scopeURL},
}

// readOnlyTools are auto-allowed in both auto-safe and interactive modes.
var readOnlyTools = map[string]bool{
	"Read":         true,
	"Glob":         true,
	"Grep":         true,
	"LS":           true,
	"NotebookRead": true,
	"WebSearch":    true,
	"TodoWrite":    true,
	"Task":         true,
}

// mutatingTools always defer to the human in auto-safe mode.
var mutatingTools = map[string]bool{
	"Bash":         true,
	"Edit":         true,
	"MultiEdit":    true,
	"Write":        true,
	"NotebookEdit": true,
	"WebFetch":     true,
}

// scope is the resolved (tool, path-or-command) lookup key for one tool call.
type scope struct {
	kind scopeKind

	// value is what policy lookup matches against: an absolute path, the
	// full command string, or a URL.
	value string

	// remember is the pattern persisted when the user checks "remember":
	// identical to value for paths, a head-command pattern for shell.
	remember string
}

// resolveScope extracts the scope of one tool call from its structured input.
func resolveScope(toolName string, input json.RawMessage) scope {
	entry, ok := toolScopeField[toolName]
	if !ok {
		return scope{kind: scopeNone}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return scope{kind: entry.kind}
	}
	rawValue, ok := fields[entry.field]
	if !ok {
		return scope{kind: entry.kind}
	}
	var value string
	if err := json.Unmarshal(rawValue, &value); err != nil {
		return scope{kind: entry.kind}
	}

	s := scope{kind: entry.kind, value: value, remember: value}
	if entry.kind == scopeCommand {
		if cmds, err := ParseBashCommand(value); err == nil && len(cmds) > 0 {
			s.remember = BuildPattern(cmds[0])
		}
	}
	return s
}

// expandHome rewrites a leading ~/ against the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// underProtectedPath reports whether a path-kind scope falls under one of the
// configured protected prefixes.
func underProtectedPath(s scope, protected []string) bool {
	if s.kind != scopePath || s.value == "" {
		return false
	}
	target := filepath.Clean(expandHome(s.value))
	for _, prefix := range protected {
		p := filepath.Clean(expandHome(prefix))
		if target == p || strings.HasPrefix(target, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
