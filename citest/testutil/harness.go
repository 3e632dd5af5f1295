// Package testutil provides the in-process harness the integration suites
// drive: a fully wired core behind in-memory pipes, with a scripted agent
// runner standing in for the real CLI.
package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/MJYKIM99/ClaudeBench/internal/agent"
	"github.com/MJYKIM99/ClaudeBench/internal/bridge"
	"github.com/MJYKIM99/ClaudeBench/internal/event"
	"github.com/MJYKIM99/ClaudeBench/internal/permission"
	"github.com/MJYKIM99/ClaudeBench/internal/session"
	"github.com/MJYKIM99/ClaudeBench/internal/store"
)

// ScriptedRunner replays canned wire lines, one script per invocation, in
// submission order. Scripts containing a tool_use line route the tool call
// through the arbiter like the real executor would.
type ScriptedRunner struct {
	mu      sync.Mutex
	scripts []Script
	calls   []RunnerCall
}

// Script is one invocation's canned output.
type Script struct {
	// Lines are raw agent protocol lines emitted in order.
	Lines []string

	// ToolCalls are issued through CanUseTool before the lines after
	// them are emitted; each entry pairs with one approval round-trip.
	ToolCalls []ToolCall
}

// ToolCall is one scripted approval request.
type ToolCall struct {
	ToolUseID string
	ToolName  string
	Input     string

	// DeniedLine is emitted instead of the remaining lines when the
	// arbiter denies the call.
	DeniedLine string
}

// RunnerCall records one Run invocation for assertions.
type RunnerCall struct {
	Prompt string
	Opts   agent.Options
}

// NewScriptedRunner creates a runner that replays the given scripts.
func NewScriptedRunner(scripts ...Script) *ScriptedRunner {
	return &ScriptedRunner{scripts: scripts}
}

func (r *ScriptedRunner) Path() (string, error) { return "/usr/local/bin/claude", nil }

// Calls returns the recorded invocations.
func (r *ScriptedRunner) Calls() []RunnerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunnerCall(nil), r.calls...)
}

func (r *ScriptedRunner) Run(ctx context.Context, prompt string, opts agent.Options) (*agent.Stream, error) {
	r.mu.Lock()
	r.calls = append(r.calls, RunnerCall{Prompt: prompt, Opts: opts})
	var script Script
	if len(r.scripts) > 0 {
		script = r.scripts[0]
		r.scripts = r.scripts[1:]
	}
	r.mu.Unlock()

	stream := agent.NewStream(func() {})
	go r.play(ctx, stream, script, opts)
	return stream, nil
}

func (r *ScriptedRunner) play(ctx context.Context, stream *agent.Stream, script Script, opts agent.Options) {
	for _, call := range script.ToolCalls {
		if opts.CanUseTool == nil {
			continue
		}
		decision, err := opts.CanUseTool(ctx, call.ToolName, json.RawMessage(call.Input), call.ToolUseID)
		if err != nil {
			stream.Fail(err)
			return
		}
		if decision.Behavior == agent.BehaviorDeny && call.DeniedLine != "" {
			emitLine(stream, call.DeniedLine)
			return
		}
	}

	for _, line := range script.Lines {
		if !emitLine(stream, line) {
			return
		}
	}
	stream.Finish()
}

func emitLine(stream *agent.Stream, line string) bool {
	msg, err := agent.DecodeMessage(json.RawMessage(line))
	if err != nil {
		stream.Fail(err)
		return false
	}
	return stream.Emit(msg)
}

// WireLine is one decoded protocol line received from the core.
type WireLine struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Harness is one wired core instance with a client-side view of its stdio.
type Harness struct {
	Store  *store.Store
	Runner *ScriptedRunner

	in     *io.PipeWriter
	lines  chan WireLine
	cancel context.CancelFunc

	registry *session.Registry
	bus      *event.Bus
}

// Start wires store, bus, arbiter, registry, and bridge over in-memory pipes
// and begins serving. dir holds the database file.
func Start(dir string, runner *ScriptedRunner) (*Harness, error) {
	st, err := store.Open(filepath.Join(dir, "sidecar.db"))
	if err != nil {
		return nil, err
	}

	bus := event.NewBus()
	arb := permission.NewArbiter(st, bus)
	reg := session.NewRegistry(st, bus, runner, arb, nil)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	b := bridge.New(reg, arb, st, bus, nil, inR, outW)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = b.Serve(ctx)
		outW.Close()
	}()

	lines := make(chan WireLine, 256)
	go func() {
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			var line WireLine
			if json.Unmarshal(scanner.Bytes(), &line) == nil {
				lines <- line
			}
		}
		close(lines)
	}()

	return &Harness{
		Store:    st,
		Runner:   runner,
		in:       inW,
		lines:    lines,
		cancel:   cancel,
		registry: reg,
		bus:      bus,
	}, nil
}

// Stop tears the harness down: stdin closes, live turns cancel, store closes.
func (h *Harness) Stop() {
	h.in.Close()
	h.cancel()
	h.registry.Shutdown()
	h.bus.Close()
	h.Store.Close()
}

// Send writes one request line.
func (h *Harness) Send(line string) error {
	_, err := io.WriteString(h.in, line+"\n")
	return err
}

// Sendf formats and writes one request line.
func (h *Harness) Sendf(format string, args ...any) error {
	return h.Send(fmt.Sprintf(format, args...))
}

// WaitFor reads lines until one of the given type arrives, skipping others.
func (h *Harness) WaitFor(wantType string) (WireLine, error) {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case line, ok := <-h.lines:
			if !ok {
				return WireLine{}, fmt.Errorf("output closed before %q arrived", wantType)
			}
			if line.Type == wantType {
				return line, nil
			}
		case <-deadline:
			return WireLine{}, fmt.Errorf("timed out waiting for %q", wantType)
		}
	}
}

// WaitForAny reads lines until one matching any of the given types arrives.
// Useful for asserting which of two possible outcomes happens first.
func (h *Harness) WaitForAny(types ...string) (WireLine, error) {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case line, ok := <-h.lines:
			if !ok {
				return WireLine{}, fmt.Errorf("output closed before any of %v arrived", types)
			}
			for _, t := range types {
				if line.Type == t {
					return line, nil
				}
			}
		case <-deadline:
			return WireLine{}, fmt.Errorf("timed out waiting for any of %v", types)
		}
	}
}

// WaitForStatus reads session.status lines until the wanted status arrives.
func (h *Harness) WaitForStatus(want string) (event.SessionStatusData, error) {
	for {
		line, err := h.WaitFor("session.status")
		if err != nil {
			return event.SessionStatusData{}, err
		}
		var status event.SessionStatusData
		if err := json.Unmarshal(line.Payload, &status); err != nil {
			return event.SessionStatusData{}, err
		}
		if status.Status == want {
			return status, nil
		}
	}
}
