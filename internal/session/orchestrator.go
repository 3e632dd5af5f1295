package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/MJYKIM99/ClaudeBench/internal/agent"
	"github.com/MJYKIM99/ClaudeBench/internal/event"
	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

// runTurn drives one agent invocation from prompt to terminal status. It is
// the catch-all boundary: every failure in here becomes a persisted error
// status plus a runner.error event, never a crash.
func (r *Registry) runTurn(ctx context.Context, sess *types.Session, prompt string, firstTurn bool) {
	if _, err := r.runner.Path(); err != nil {
		r.failTurn(sess.ID, fmt.Errorf("agent executable: %w", err))
		return
	}

	opts := agent.Options{
		Cwd:        sess.Cwd,
		Resume:     sess.AgentSessionID,
		Model:      r.settings.Model,
		Env:        r.settings.Env,
		CanUseTool: r.arbiter.CanUseTool(sess.ID),
	}

	stream, err := r.runner.Run(ctx, prompt, opts)
	if err != nil {
		r.failTurn(sess.ID, err)
		return
	}
	defer stream.Close()

	var assistantText strings.Builder
	var result *agent.ResultMessage

	for {
		msg, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				// Stop already persisted idle and announced it.
				r.log.Debug().Str("session", sess.ID).Msg("turn cancelled")
				return
			}
			r.failTurn(sess.ID, err)
			return
		}

		switch m := msg.(type) {
		case *agent.SystemMessage:
			if m.Subtype == "init" && m.SessionID != "" {
				r.captureAgentSession(ctx, sess, m.SessionID)
			}
		case *agent.AssistantMessage:
			assistantText.WriteString(m.Text())
		case *agent.ResultMessage:
			result = m
		}

		r.appendAndForward(ctx, sess.ID, msg.Raw())

		if result != nil {
			break
		}
	}

	if result == nil {
		r.failTurn(sess.ID, fmt.Errorf("agent stream ended without a result"))
		return
	}

	status := types.StatusCompleted
	if !result.OK() {
		status = types.StatusError
	}
	r.setStatus(context.Background(), sess.ID, status, sess.Title)

	if status == types.StatusCompleted && firstTurn {
		go r.generateTitle(sess, sess.LastPrompt, assistantText.String())
	}
}

// appendAndForward persists one raw agent message and streams it to the
// client. Append failures are logged but do not abort the turn: the stream is
// still live and the client has the data.
func (r *Registry) appendAndForward(ctx context.Context, sessionID string, raw json.RawMessage) {
	msg := &types.Message{ID: newID(), SessionID: sessionID, Payload: raw}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		r.log.Error().Err(err).Str("session", sessionID).Msg("failed to persist message")
	} else {
		r.mu.Lock()
		if entry, ok := r.live[sessionID]; ok {
			entry.messages = append(entry.messages, msg)
		}
		r.mu.Unlock()
	}

	r.bus.PublishSync(event.Event{
		Type: event.StreamMessage,
		Data: event.StreamMessageData{SessionID: sessionID, Message: raw},
	})
}

// captureAgentSession records the executor's own session id as a resume hint.
// Best effort: a write failure costs nothing but native resume.
func (r *Registry) captureAgentSession(ctx context.Context, sess *types.Session, agentSessionID string) {
	sess.AgentSessionID = agentSessionID
	err := r.store.UpdateSession(ctx, sess.ID, types.SessionUpdate{AgentSessionID: &agentSessionID})
	if err != nil {
		r.log.Warn().Err(err).Str("session", sess.ID).Msg("failed to persist resume hint")
	}
}

// setStatus persists a status transition and then announces it.
func (r *Registry) setStatus(ctx context.Context, sessionID string, status types.SessionStatus, title string) {
	r.mu.Lock()
	if entry, ok := r.live[sessionID]; ok {
		entry.status = status
		entry.cancel = nil
	}
	r.mu.Unlock()

	if err := r.store.UpdateSession(ctx, sessionID, types.SessionUpdate{Status: &status}); err != nil {
		r.log.Error().Err(err).Str("session", sessionID).Msg("failed to persist status")
	}
	r.publishStatus(sessionID, status, title)
}

// failTurn marks the session errored and surfaces the message to the client.
func (r *Registry) failTurn(sessionID string, cause error) {
	r.log.Error().Err(cause).Str("session", sessionID).Msg("turn failed")
	r.setStatus(context.Background(), sessionID, types.StatusError, "")
	r.bus.PublishSync(event.Event{
		Type: event.RunnerError,
		Data: event.RunnerErrorData{SessionID: sessionID, Message: cause.Error()},
	})
}

func marshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
