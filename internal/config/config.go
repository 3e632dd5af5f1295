// Package config loads host-machine agent configuration.
//
// The settings file is read once at startup and never written back. A missing
// file is not an error: the sidecar proceeds with empty defaults and relies on
// whatever the agent executable picks up from its own environment.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tidwall/jsonc"
)

// Settings is the read-only slice of the host agent configuration the sidecar
// cares about. Everything else in the settings file is ignored.
type Settings struct {
	// Env holds variables to inject into agent invocations (API keys etc).
	Env map[string]string `json:"env,omitempty"`

	// Model is the default model identifier, if the user pinned one.
	Model string `json:"model,omitempty"`

	// AgentBinary overrides executable discovery when set.
	AgentBinary string `json:"agentBinary,omitempty"`
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// Load reads the agent settings file. The lookup order is:
//  1. CLAUDEBENCH_SETTINGS env var (explicit path)
//  2. ~/.claude/settings.json
//
// A file that does not exist yields zero Settings and a nil error; a file that
// exists but cannot be parsed is an error so misconfiguration is not silent.
func Load() (*Settings, error) {
	path := os.Getenv("CLAUDEBENCH_SETTINGS")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return &Settings{}, nil
		}
		path = filepath.Join(home, ".claude", "settings.json")
	}
	return LoadFile(path)
}

// LoadFile reads settings from an explicit path.
func LoadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s := &Settings{AgentBinary: os.Getenv("CLAUDEBENCH_AGENT_BIN")}
			return s, nil
		}
		return nil, err
	}

	// Tolerate comments and trailing commas in hand-edited files.
	data = jsonc.ToJSON(data)
	data = interpolate(data)

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	if bin := os.Getenv("CLAUDEBENCH_AGENT_BIN"); bin != "" {
		s.AgentBinary = bin
	}

	return &s, nil
}

// interpolate replaces {env:VAR_NAME} placeholders with environment values.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}
