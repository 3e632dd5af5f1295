// Package permission arbitrates tool-use requests from the agent executor:
// allow, deny, or defer to the human on the other side of the wire.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MJYKIM99/ClaudeBench/internal/agent"
	"github.com/MJYKIM99/ClaudeBench/internal/event"
	"github.com/MJYKIM99/ClaudeBench/internal/logging"
	"github.com/MJYKIM99/ClaudeBench/internal/store"
	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

// Response is the human's answer to a deferred tool call, delivered through
// the wire bridge.
type Response struct {
	Behavior agent.DecisionBehavior `json:"behavior"`

	// Remember persists the decision as a policy scoped to the same
	// (tool, path) granularity used in lookup.
	Remember bool `json:"remember,omitempty"`

	// RememberBehavior overrides the persisted behavior; empty derives it
	// from Behavior.
	RememberBehavior types.PolicyBehavior `json:"rememberBehavior,omitempty"`
}

// Arbiter decides every tool invocation the executor requests. Decisions are
// evaluated fresh per call; only the pending-deferral table is stateful.
type Arbiter struct {
	store *store.Store
	bus   *event.Bus
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan Response // toolUseID -> resolver
}

// NewArbiter creates an arbiter backed by the given store and bus.
func NewArbiter(st *store.Store, bus *event.Bus) *Arbiter {
	return &Arbiter{
		store:   st,
		bus:     bus,
		log:     logging.Component("permission"),
		pending: make(map[string]chan Response),
	}
}

// CanUseTool returns the approval callback for one session's invocation.
func (a *Arbiter) CanUseTool(sessionID string) agent.CanUseTool {
	return func(ctx context.Context, toolName string, input json.RawMessage, toolUseID string) (agent.Decision, error) {
		return a.decide(ctx, sessionID, toolName, input, toolUseID)
	}
}

func (a *Arbiter) decide(ctx context.Context, sessionID, toolName string, input json.RawMessage, toolUseID string) (agent.Decision, error) {
	// The executor's question tool is the one case no policy may
	// short-circuit: it exists to reach the human.
	if toolName == askUserTool {
		return a.ask(ctx, sessionID, toolName, input, toolUseID, scope{}, false)
	}

	mode, err := a.store.PermissionMode(ctx)
	if err != nil {
		return agent.Decision{}, err
	}
	if mode == types.ModeBypass {
		return agent.Decision{Behavior: agent.BehaviorAllow}, nil
	}

	sc := resolveScope(toolName, input)

	policy, err := a.store.FindPolicy(ctx, toolName, sc.value)
	if err != nil && err != store.ErrNotFound {
		return agent.Decision{}, err
	}
	if err == nil {
		switch policy.Behavior {
		case types.PolicyAlwaysAllow:
			return agent.Decision{Behavior: agent.BehaviorAllow}, nil
		case types.PolicyAlwaysDeny:
			return agent.Decision{Behavior: agent.BehaviorDeny, Message: "denied by stored policy"}, nil
		}
		// PolicyAsk falls through to mode handling.
	}

	// Protected paths force a human decision even in auto-approving modes.
	if underProtectedPath(sc, a.protectedPaths(ctx)) {
		return a.ask(ctx, sessionID, toolName, input, toolUseID, sc, true)
	}

	switch mode {
	case types.ModeAutoSafe:
		if readOnlyTools[toolName] {
			return agent.Decision{Behavior: agent.BehaviorAllow}, nil
		}
		if mutatingTools[toolName] {
			return a.ask(ctx, sessionID, toolName, input, toolUseID, sc, false)
		}
		// Unknown tools are allowed in auto-safe: favor availability.
		return agent.Decision{Behavior: agent.BehaviorAllow}, nil
	default: // interactive
		if readOnlyTools[toolName] {
			return agent.Decision{Behavior: agent.BehaviorAllow}, nil
		}
		// Everything else, unknown tools included, needs approval.
		return a.ask(ctx, sessionID, toolName, input, toolUseID, sc, false)
	}
}

// ask registers a pending resolver for this tool call, emits a
// permission.request event, and blocks until the bridge resolves it. There is
// no timeout: an unanswered request suspends that tool call until the context
// is cancelled.
func (a *Arbiter) ask(ctx context.Context, sessionID, toolName string, input json.RawMessage, toolUseID string, sc scope, protected bool) (agent.Decision, error) {
	resolver := make(chan Response, 1)

	a.mu.Lock()
	if _, exists := a.pending[toolUseID]; exists {
		a.mu.Unlock()
		return agent.Decision{}, fmt.Errorf("duplicate tool use id %s", toolUseID)
	}
	a.pending[toolUseID] = resolver
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, toolUseID)
		a.mu.Unlock()
	}()

	a.bus.PublishSync(event.Event{
		Type: event.PermissionRequest,
		Data: event.PermissionRequestData{
			SessionID:       sessionID,
			ToolUseID:       toolUseID,
			ToolName:        toolName,
			Input:           input,
			IsProtectedPath: protected,
		},
	})
	a.log.Info().Str("session", sessionID).Str("tool", toolName).Str("toolUse", toolUseID).Msg("deferring tool call to user")

	select {
	case <-ctx.Done():
		return agent.Decision{}, ctx.Err()
	case resp := <-resolver:
		if resp.Remember {
			a.remember(ctx, toolName, sc, resp)
		}
		if resp.Behavior == agent.BehaviorAllow {
			return agent.Decision{Behavior: agent.BehaviorAllow}, nil
		}
		return agent.Decision{Behavior: agent.BehaviorDeny, Message: "denied by user"}, nil
	}
}

// remember persists the user's decision before the tool call resumes.
func (a *Arbiter) remember(ctx context.Context, toolName string, sc scope, resp Response) {
	behavior := resp.RememberBehavior
	if behavior == "" {
		if resp.Behavior == agent.BehaviorAllow {
			behavior = types.PolicyAlwaysAllow
		} else {
			behavior = types.PolicyAlwaysDeny
		}
	}

	err := a.store.SetPolicy(ctx, &types.PermissionPolicy{
		Tool:     toolName,
		Path:     sc.remember,
		Behavior: behavior,
	})
	if err != nil {
		a.log.Error().Err(err).Str("tool", toolName).Msg("failed to persist permission policy")
	}
}

// Resolve answers a pending tool call. Called by the wire bridge when the
// client sends permission.response.
func (a *Arbiter) Resolve(toolUseID string, resp Response) error {
	a.mu.Lock()
	resolver, ok := a.pending[toolUseID]
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending permission request %s", toolUseID)
	}
	resolver <- resp
	return nil
}

// PendingCount reports how many tool calls are currently awaiting a human.
func (a *Arbiter) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// protectedPaths reads the configured protected-path prefixes. A missing or
// malformed setting means no protected paths.
func (a *Arbiter) protectedPaths(ctx context.Context) []string {
	value, err := a.store.GetSetting(ctx, store.KeyProtectedPaths)
	if err != nil {
		return nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(value), &paths); err != nil {
		return nil
	}
	return paths
}
