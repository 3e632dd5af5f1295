package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MJYKIM99/ClaudeBench/internal/logging"
)

// ErrExecutableNotFound reports that no agent executable could be located.
var ErrExecutableNotFound = errors.New("agent executable not found")

const executableName = "claude"

// CLIRunner runs the agent executor as a subprocess speaking newline-delimited
// JSON on stdio.
type CLIRunner struct {
	// Binary overrides executable discovery when set.
	Binary string
}

// Path locates the executor binary. Discovery order: the configured override,
// a set of well-known install locations, then PATH.
func (r *CLIRunner) Path() (string, error) {
	if r.Binary != "" {
		if _, err := os.Stat(r.Binary); err == nil {
			return r.Binary, nil
		}
		return "", fmt.Errorf("%w: configured binary %s missing", ErrExecutableNotFound, r.Binary)
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".local", "bin", executableName),
		filepath.Join(home, ".claude", "local", executableName),
		"/opt/homebrew/bin/" + executableName,
		"/usr/local/bin/" + executableName,
		"/usr/bin/" + executableName,
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(executableName); err == nil {
		return path, nil
	}

	return "", ErrExecutableNotFound
}

// Run spawns one executor invocation. The prompt goes to the child as the
// initial stream-json user message; stdin stays open afterwards to answer the
// child's tool-approval control requests.
func (r *CLIRunner) Run(ctx context.Context, prompt string, opts Options) (*Stream, error) {
	path, err := r.Path()
	if err != nil {
		return nil, err
	}

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(maxTurns),
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	cmd.Stderr = nil // the executor's stderr is noise to the protocol

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent executor: %w", err)
	}

	proc := &cliProcess{
		cmd:        cmd,
		stdin:      stdin,
		canUseTool: opts.CanUseTool,
		log:        logging.Component("agent"),
	}
	proc.log.Debug().Str("path", path).Str("cwd", opts.Cwd).Msg("starting executor")
	stream := NewStream(proc.kill)
	proc.stream = stream

	if err := proc.sendPrompt(prompt); err != nil {
		proc.kill()
		return nil, err
	}

	go proc.consume(ctx, stdout)

	return stream, nil
}

type cliProcess struct {
	cmd    *exec.Cmd
	stream *Stream

	writeMu sync.Mutex
	stdin   io.WriteCloser

	canUseTool CanUseTool
	log        zerolog.Logger

	killOnce sync.Once
}

func (p *cliProcess) kill() {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

// reap kills the child and waits for it so an aborted turn never leaves a
// zombie behind.
func (p *cliProcess) reap() {
	p.kill()
	_ = p.cmd.Wait()
}

func (p *cliProcess) sendPrompt(prompt string) error {
	envelope := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	}
	return p.writeLine(envelope)
}

func (p *cliProcess) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to agent executor: %w", err)
	}
	return nil
}

type controlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype   string          `json:"subtype"`
		ToolName  string          `json:"tool_name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
	} `json:"request"`
}

// consume reads the child's stdout line by line until EOF, delivering protocol
// messages to the stream and dispatching control requests.
func (p *cliProcess) consume(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	sawResult := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make(json.RawMessage, len(line))
		copy(data, line)

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			// Not protocol output; skip the line rather than abort the turn.
			continue
		}

		if probe.Type == "control_request" {
			var req controlRequest
			if err := json.Unmarshal(data, &req); err == nil && req.Request.Subtype == "can_use_tool" {
				// Answer in a separate goroutine: approval may wait on a
				// human, and the read loop must keep draining other output.
				go p.answerControl(ctx, req)
			}
			continue
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			p.stream.Fail(err)
			p.reap()
			return
		}
		if _, ok := msg.(*ResultMessage); ok {
			sawResult = true
		}
		if !p.stream.Emit(msg) {
			// Stream closed under us; reap the child rather than leak it.
			p.reap()
			return
		}
	}

	err := p.cmd.Wait()
	if scanErr := scanner.Err(); scanErr != nil {
		p.stream.Fail(fmt.Errorf("read agent stream: %w", scanErr))
		return
	}
	if err != nil && !sawResult {
		p.stream.Fail(fmt.Errorf("agent executor exited: %w", err))
		return
	}
	p.stream.Finish()
}

func (p *cliProcess) answerControl(ctx context.Context, req controlRequest) {
	decision := Decision{Behavior: BehaviorAllow}
	if p.canUseTool != nil {
		toolUseID := req.Request.ToolUseID
		if toolUseID == "" {
			toolUseID = req.RequestID
		}
		var err error
		decision, err = p.canUseTool(ctx, req.Request.ToolName, req.Request.Input, toolUseID)
		if err != nil {
			decision = Decision{Behavior: BehaviorDeny, Message: err.Error()}
		}
	}

	response := map[string]any{"behavior": string(decision.Behavior)}
	if decision.Behavior == BehaviorAllow {
		response["updatedInput"] = req.Request.Input
	} else {
		response["message"] = decision.Message
	}

	_ = p.writeLine(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"request_id": req.RequestID,
			"subtype":    "success",
			"response":   response,
		},
	})
}
