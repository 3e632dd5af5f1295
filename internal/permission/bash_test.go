package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBashCommandSimple(t *testing.T) {
	cmds, err := ParseBashCommand("git commit -m 'initial commit'")
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	assert.Equal(t, "git", cmds[0].Name)
	assert.Equal(t, "commit", cmds[0].Subcommand)
	assert.Equal(t, []string{"commit", "-m", "initial commit"}, cmds[0].Args)
}

func TestParseBashCommandPipeline(t *testing.T) {
	cmds, err := ParseBashCommand("cat access.log | grep 500 | wc -l")
	require.NoError(t, err)
	require.Len(t, cmds, 3)

	assert.Equal(t, "cat", cmds[0].Name)
	assert.Equal(t, "grep", cmds[1].Name)
	assert.Equal(t, "wc", cmds[2].Name)
}

func TestParseBashCommandList(t *testing.T) {
	cmds, err := ParseBashCommand("mkdir -p build && cd build")
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	assert.Equal(t, "mkdir", cmds[0].Name)
	assert.Equal(t, "build", cmds[0].Subcommand)
	assert.Equal(t, "cd", cmds[1].Name)
}

func TestParseBashCommandFlagsSkippedForSubcommand(t *testing.T) {
	cmds, err := ParseBashCommand("docker --context prod ps")
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	// --context is a flag; prod is the first bare argument.
	assert.Equal(t, "prod", cmds[0].Subcommand)
}

func TestParseBashCommandInvalid(t *testing.T) {
	_, err := ParseBashCommand("echo 'unterminated")
	assert.Error(t, err)
}

func TestBuildPattern(t *testing.T) {
	cmds, err := ParseBashCommand("git push origin main")
	require.NoError(t, err)
	assert.Equal(t, "git push *", BuildPattern(cmds[0]))

	cmds, err = ParseBashCommand("ls -la")
	require.NoError(t, err)
	assert.Equal(t, "ls *", BuildPattern(cmds[0]))
}

func TestResolveScopeBash(t *testing.T) {
	s := resolveScope("Bash", json.RawMessage(`{"command":"git commit -m x"}`))
	assert.Equal(t, scopeCommand, s.kind)
	assert.Equal(t, "git commit -m x", s.value)
	assert.Equal(t, "git commit *", s.remember)
}

func TestResolveScopePath(t *testing.T) {
	s := resolveScope("Edit", json.RawMessage(`{"file_path":"/srv/app/main.go"}`))
	assert.Equal(t, scopePath, s.kind)
	assert.Equal(t, "/srv/app/main.go", s.value)
	assert.Equal(t, "/srv/app/main.go", s.remember)
}

func TestResolveScopeUnknownTool(t *testing.T) {
	s := resolveScope("Telemetry", json.RawMessage(`{"anything":1}`))
	assert.Equal(t, scopeNone, s.kind)
	assert.Empty(t, s.value)
}

func TestUnderProtectedPath(t *testing.T) {
	protected := []string{"/etc", "/var/lib/secrets"}

	assert.True(t, underProtectedPath(scope{kind: scopePath, value: "/etc/passwd"}, protected))
	assert.True(t, underProtectedPath(scope{kind: scopePath, value: "/etc"}, protected))
	assert.True(t, underProtectedPath(scope{kind: scopePath, value: "/var/lib/secrets/key.pem"}, protected))
	assert.False(t, underProtectedPath(scope{kind: scopePath, value: "/etcetera/notes"}, protected))
	assert.False(t, underProtectedPath(scope{kind: scopePath, value: "/home/x"}, protected))

	// Commands are not path-scoped.
	assert.False(t, underProtectedPath(scope{kind: scopeCommand, value: "cat /etc/passwd"}, protected))
}
