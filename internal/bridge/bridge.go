// Package bridge speaks the ndjson wire protocol over stdio: it dispatches
// client request lines and forwards every bus event to the client. Stdout has
// a single serialized writer; stdin is read by one loop that never blocks on
// a turn, because turns run behind the Registry.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MJYKIM99/ClaudeBench/internal/agent"
	"github.com/MJYKIM99/ClaudeBench/internal/config"
	"github.com/MJYKIM99/ClaudeBench/internal/event"
	"github.com/MJYKIM99/ClaudeBench/internal/logging"
	"github.com/MJYKIM99/ClaudeBench/internal/permission"
	"github.com/MJYKIM99/ClaudeBench/internal/session"
	"github.com/MJYKIM99/ClaudeBench/internal/store"
	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

const maxLineBytes = 1024 * 1024

type handlerFunc func(ctx context.Context, req inbound) error

// Bridge connects the stdio wire to the core.
type Bridge struct {
	registry *session.Registry
	arbiter  *permission.Arbiter
	store    *store.Store
	bus      *event.Bus
	settings *config.Settings
	log      zerolog.Logger

	in  io.Reader
	out io.Writer

	outMu    sync.Mutex
	handlers map[string]handlerFunc
}

// New creates a bridge over the given reader and writer (stdin and stdout in
// production).
func New(reg *session.Registry, arb *permission.Arbiter, st *store.Store, bus *event.Bus, settings *config.Settings, in io.Reader, out io.Writer) *Bridge {
	if settings == nil {
		settings = &config.Settings{}
	}
	b := &Bridge{
		registry: reg,
		arbiter:  arb,
		store:    st,
		bus:      bus,
		settings: settings,
		log:      logging.Component("bridge"),
		in:       in,
		out:      out,
	}
	b.handlers = map[string]handlerFunc{
		"session.list":              b.handleSessionList,
		"session.start":             b.handleSessionStart,
		"session.continue":          b.handleSessionContinue,
		"session.stop":              b.handleSessionStop,
		"session.delete":            b.handleSessionDelete,
		"session.history":           b.handleSessionHistory,
		"permission.response":       b.handlePermissionResponse,
		"settings.get":              b.handleSettingsGet,
		"settings.update":           b.handleSettingsUpdate,
		"settings.permission.list":  b.handlePermissionList,
		"settings.permission.clear": b.handlePermissionClear,
		"cwd.recent":                b.handleRecentCwd,
	}
	return b
}

// Serve runs the read loop until stdin closes or ctx is cancelled. All bus
// events published while serving are forwarded to the client.
func (b *Bridge) Serve(ctx context.Context) error {
	unsubscribe := b.bus.SubscribeAll(func(e event.Event) {
		b.write(outbound{Type: string(e.Type), Payload: e.Data})
	})
	defer unsubscribe()

	if err := b.emitSettingsLoaded(ctx, ""); err != nil {
		b.log.Warn().Err(err).Msg("failed to announce settings")
	}

	scanner := bufio.NewScanner(b.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req inbound
		if err := json.Unmarshal(line, &req); err != nil {
			b.writeError("", "", fmt.Errorf("malformed request: %w", err))
			continue
		}

		handler, ok := b.handlers[req.Type]
		if !ok {
			b.writeError(req.ID, "", fmt.Errorf("unknown request type %q", req.Type))
			continue
		}
		if err := handler(ctx, req); err != nil {
			b.writeError(req.ID, "", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request stream: %w", err)
	}
	return nil
}

// write serializes one line to the client. The mutex is the single-writer
// guarantee: bus subscriber goroutines and the read loop share this path.
func (b *Bridge) write(msg outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal outbound message")
		return
	}

	b.outMu.Lock()
	defer b.outMu.Unlock()
	if _, err := b.out.Write(append(data, '\n')); err != nil {
		b.log.Error().Err(err).Msg("failed to write to client")
	}
}

func (b *Bridge) writeError(id, sessionID string, cause error) {
	b.write(outbound{
		Type:    string(event.RunnerError),
		ID:      id,
		Payload: event.RunnerErrorData{SessionID: sessionID, Message: cause.Error()},
	})
}

func (b *Bridge) handleSessionList(ctx context.Context, req inbound) error {
	sessions, err := b.registry.List(ctx)
	if err != nil {
		return err
	}
	b.write(outbound{Type: req.Type, ID: req.ID, Payload: map[string]any{"sessions": sessions}})
	return nil
}

func (b *Bridge) handleSessionStart(ctx context.Context, req inbound) error {
	var p startPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return fmt.Errorf("malformed session.start payload: %w", err)
	}
	if p.Prompt == "" {
		return fmt.Errorf("session.start requires a prompt")
	}

	sess, err := b.registry.Start(ctx, p.Title, p.Prompt, p.Cwd, p.Attachments)
	if err != nil {
		return err
	}
	b.write(outbound{Type: req.Type, ID: req.ID, Payload: map[string]any{"session": sess}})
	return nil
}

func (b *Bridge) handleSessionContinue(ctx context.Context, req inbound) error {
	var p continuePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return fmt.Errorf("malformed session.continue payload: %w", err)
	}
	if err := b.registry.Continue(ctx, p.SessionID, p.Prompt, p.Attachments); err != nil {
		if err == store.ErrNotFound {
			return fmt.Errorf("session %s not found", p.SessionID)
		}
		return err
	}
	return nil
}

func (b *Bridge) handleSessionStop(ctx context.Context, req inbound) error {
	var p sessionRefPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return fmt.Errorf("malformed session.stop payload: %w", err)
	}
	if err := b.registry.Stop(ctx, p.SessionID); err != nil {
		if err == store.ErrNotFound {
			return fmt.Errorf("session %s not found", p.SessionID)
		}
		return err
	}
	return nil
}

func (b *Bridge) handleSessionDelete(ctx context.Context, req inbound) error {
	var p sessionRefPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return fmt.Errorf("malformed session.delete payload: %w", err)
	}
	if err := b.registry.Delete(ctx, p.SessionID); err != nil {
		if err == store.ErrNotFound {
			return fmt.Errorf("session %s not found", p.SessionID)
		}
		return err
	}
	return nil
}

func (b *Bridge) handleSessionHistory(ctx context.Context, req inbound) error {
	var p sessionRefPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return fmt.Errorf("malformed session.history payload: %w", err)
	}
	msgs, err := b.registry.History(ctx, p.SessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return fmt.Errorf("session %s not found", p.SessionID)
		}
		return err
	}
	b.write(outbound{
		Type: string(event.SessionHistory),
		ID:   req.ID,
		Payload: map[string]any{
			"sessionId": p.SessionID,
			"messages":  msgs,
		},
	})
	return nil
}

func (b *Bridge) handlePermissionResponse(ctx context.Context, req inbound) error {
	var p permissionResponsePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return fmt.Errorf("malformed permission.response payload: %w", err)
	}

	behavior := agent.BehaviorDeny
	if p.Result == "allow" {
		behavior = agent.BehaviorAllow
	}
	return b.arbiter.Resolve(p.ToolUseID, permission.Response{
		Behavior:         behavior,
		Remember:         p.Remember,
		RememberBehavior: types.PolicyBehavior(p.RememberBehavior),
	})
}

func (b *Bridge) handleSettingsGet(ctx context.Context, req inbound) error {
	return b.emitSettingsLoaded(ctx, req.ID)
}

func (b *Bridge) handleSettingsUpdate(ctx context.Context, req inbound) error {
	var p settingsUpdatePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return fmt.Errorf("malformed settings.update payload: %w", err)
	}

	if p.PermissionMode != nil {
		switch types.PermissionMode(*p.PermissionMode) {
		case types.ModeInteractive, types.ModeAutoSafe, types.ModeBypass:
		default:
			return fmt.Errorf("invalid permission mode %q", *p.PermissionMode)
		}
		if err := b.store.SetSetting(ctx, store.KeyPermissionMode, *p.PermissionMode); err != nil {
			return err
		}
	}
	if p.ProtectedPaths != nil {
		encoded, err := json.Marshal(*p.ProtectedPaths)
		if err != nil {
			return err
		}
		if err := b.store.SetSetting(ctx, store.KeyProtectedPaths, string(encoded)); err != nil {
			return err
		}
	}
	return b.emitSettingsLoaded(ctx, req.ID)
}

func (b *Bridge) handlePermissionList(ctx context.Context, req inbound) error {
	policies, err := b.store.ListPolicies(ctx)
	if err != nil {
		return err
	}
	b.write(outbound{
		Type:    string(event.SettingsPermission),
		ID:      req.ID,
		Payload: map[string]any{"policies": policies},
	})
	return nil
}

func (b *Bridge) handlePermissionClear(ctx context.Context, req inbound) error {
	if err := b.store.ClearPolicies(ctx); err != nil {
		return err
	}
	b.write(outbound{
		Type:    string(event.SettingsPermission),
		ID:      req.ID,
		Payload: map[string]any{"policies": []*types.PermissionPolicy{}},
	})
	return nil
}

func (b *Bridge) handleRecentCwd(ctx context.Context, req inbound) error {
	dirs, err := b.store.RecentWorkingDirs(ctx, 10)
	if err != nil {
		return err
	}
	b.write(outbound{Type: req.Type, ID: req.ID, Payload: map[string]any{"dirs": dirs}})
	return nil
}

func (b *Bridge) emitSettingsLoaded(ctx context.Context, id string) error {
	mode, err := b.store.PermissionMode(ctx)
	if err != nil {
		return err
	}

	paths := []string{}
	if value, err := b.store.GetSetting(ctx, store.KeyProtectedPaths); err == nil {
		var decoded []string
		if json.Unmarshal([]byte(value), &decoded) == nil {
			paths = decoded
		}
	}

	b.write(outbound{
		Type: string(event.SettingsLoaded),
		ID:   id,
		Payload: settingsPayload{
			PermissionMode: string(mode),
			ProtectedPaths: paths,
			Model:          b.settings.Model,
		},
	})
	return nil
}
