package agent

import (
	"context"
	"encoding/json"
	"io"
)

// DecisionBehavior is the outcome of a tool approval.
type DecisionBehavior string

const (
	BehaviorAllow DecisionBehavior = "allow"
	BehaviorDeny  DecisionBehavior = "deny"
)

// Decision is the answer to one tool-use approval request.
type Decision struct {
	Behavior DecisionBehavior
	// Message explains a denial to the executor.
	Message string
}

// CanUseTool decides whether the executor may run one tool call. It may block
// for as long as a human takes to answer; the executor suspends only that
// tool call while waiting.
type CanUseTool func(ctx context.Context, toolName string, input json.RawMessage, toolUseID string) (Decision, error)

// Options configures one executor invocation.
type Options struct {
	// Cwd is the working directory for the invocation.
	Cwd string

	// Resume is the executor's own session id from a previous run. Best
	// effort: the executor may ignore it, and correctness never depends on it.
	Resume string

	// MaxTurns caps agent-internal steps so a runaway loop terminates.
	// Zero means DefaultMaxTurns.
	MaxTurns int

	// Model overrides the executor's default model when set.
	Model string

	// SystemPrompt is appended to the executor's system prompt when set.
	SystemPrompt string

	// Env is extra environment for the subprocess (API credentials).
	Env map[string]string

	// CanUseTool arbitrates tool calls. Nil allows everything.
	CanUseTool CanUseTool
}

// DefaultMaxTurns bounds an invocation that never specifies its own cap.
const DefaultMaxTurns = 100

// Runner drives the agent executor.
type Runner interface {
	// Path resolves the executor binary, failing if it cannot be found.
	Path() (string, error)

	// Run starts one invocation and returns its message stream.
	Run(ctx context.Context, prompt string, opts Options) (*Stream, error)
}

// Stream is a blocking iterator over an invocation's protocol messages.
type Stream struct {
	msgs   chan Message
	errs   chan error
	closed chan struct{}
	stop   func()
}

// NewStream creates a stream whose producer pushes messages with Emit and
// terminates it with Fail or Finish. stop is invoked on cancellation or Close.
// Runner implementations, real or fake, are the intended producers.
func NewStream(stop func()) *Stream {
	return &Stream{
		msgs:   make(chan Message),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
		stop:   stop,
	}
}

// Next returns the next message. It returns io.EOF when the stream ends
// normally, the context error on cancellation, and any transport or decode
// failure otherwise.
func (s *Stream) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		s.stop()
		return nil, ctx.Err()
	case msg, ok := <-s.msgs:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case err := <-s.errs:
		return nil, err
	}
}

// Close terminates the invocation. Safe to call more than once.
func (s *Stream) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
		s.stop()
	}
	return nil
}

// Emit delivers one message, giving up if the stream is being torn down.
func (s *Stream) Emit(msg Message) bool {
	select {
	case s.msgs <- msg:
		return true
	case <-s.closed:
		return false
	}
}

// Fail records a terminal error.
func (s *Stream) Fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Finish closes the message channel for a normal end of stream.
func (s *Stream) Finish() {
	close(s.msgs)
}
