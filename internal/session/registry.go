package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/MJYKIM99/ClaudeBench/internal/agent"
	"github.com/MJYKIM99/ClaudeBench/internal/config"
	"github.com/MJYKIM99/ClaudeBench/internal/event"
	"github.com/MJYKIM99/ClaudeBench/internal/logging"
	"github.com/MJYKIM99/ClaudeBench/internal/permission"
	"github.com/MJYKIM99/ClaudeBench/internal/store"
	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

const defaultTitle = "New Session"

// liveSession is the in-memory record of one admitted session.
type liveSession struct {
	id     string
	status types.SessionStatus

	// cancel aborts the in-flight turn. Nil when no turn is running.
	cancel context.CancelFunc

	// messages caches the session's log and serves History reads. Nil until
	// rehydrated from the store; guarded by the registry mutex.
	messages []*types.Message
}

// Registry tracks live sessions and exposes their cancellation handles.
// All operations are safe for concurrent use.
type Registry struct {
	store    *store.Store
	bus      *event.Bus
	runner   agent.Runner
	arbiter  *permission.Arbiter
	settings *config.Settings
	log      zerolog.Logger

	mu   sync.Mutex
	live map[string]*liveSession

	// turns tracks in-flight orchestrator goroutines for shutdown.
	turns sync.WaitGroup
}

// NewRegistry creates a registry over the given collaborators.
func NewRegistry(st *store.Store, bus *event.Bus, runner agent.Runner, arb *permission.Arbiter, settings *config.Settings) *Registry {
	if settings == nil {
		settings = &config.Settings{}
	}
	return &Registry{
		store:    st,
		bus:      bus,
		runner:   runner,
		arbiter:  arb,
		settings: settings,
		log:      logging.Component("session"),
		live:     make(map[string]*liveSession),
	}
}

func newID() string {
	return ulid.Make().String()
}

// List returns every known session, lazily admitting stored sessions into
// memory.
func (r *Registry) List(ctx context.Context) ([]*types.Session, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	for _, sess := range sessions {
		if _, ok := r.live[sess.ID]; !ok {
			r.live[sess.ID] = &liveSession{id: sess.ID, status: sess.Status}
		}
	}
	r.mu.Unlock()

	return sessions, nil
}

// Get returns one session, or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*types.Session, error) {
	return r.store.GetSession(ctx, id)
}

// History returns the session's full message log in append order. A live
// session with a populated cache is served from memory; everything else reads
// the store and warms the cache for the next call.
func (r *Registry) History(ctx context.Context, id string) ([]*types.Message, error) {
	r.mu.Lock()
	if entry, ok := r.live[id]; ok && entry.messages != nil {
		msgs := make([]*types.Message, len(entry.messages))
		copy(msgs, entry.messages)
		r.mu.Unlock()
		return msgs, nil
	}
	r.mu.Unlock()

	if _, err := r.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	msgs, err := r.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if entry, ok := r.live[id]; ok && entry.messages == nil {
		entry.messages = append([]*types.Message(nil), msgs...)
	}
	r.mu.Unlock()
	return msgs, nil
}

// Start creates a new session with status running, records the initiating
// prompt, and launches an orchestrated turn.
func (r *Registry) Start(ctx context.Context, title, prompt, cwd string, attachments []string) (*types.Session, error) {
	if title == "" {
		title = defaultTitle
	}
	sess := &types.Session{
		ID:         newID(),
		Title:      title,
		Status:     types.StatusRunning,
		Cwd:        cwd,
		LastPrompt: prompt,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	entry := &liveSession{id: sess.ID, status: types.StatusRunning, cancel: cancel}
	r.mu.Lock()
	r.live[sess.ID] = entry
	r.mu.Unlock()

	if err := r.appendUserPrompt(ctx, entry, sess.ID, prompt, attachments); err != nil {
		cancel()
		return nil, err
	}

	r.publishStatus(sess.ID, types.StatusRunning, sess.Title)
	r.launch(turnCtx, cancel, sess, prompt, true)
	return sess, nil
}

// Continue resumes a stored session: rebuilds a bounded context from its log,
// records the new prompt, and launches a turn. Unknown ids fail with
// store.ErrNotFound; a session already running a turn fails without mutation.
func (r *Registry) Continue(ctx context.Context, id, prompt string, attachments []string) error {
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	entry, ok := r.live[id]
	if !ok {
		entry = &liveSession{id: id, status: sess.Status}
		r.live[id] = entry
	}
	if entry.cancel != nil {
		r.mu.Unlock()
		return fmt.Errorf("session %s already has a running turn", id)
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	entry.status = types.StatusRunning
	entry.cancel = cancel
	r.mu.Unlock()

	clearTurn := func() {
		cancel()
		r.mu.Lock()
		entry.cancel = nil
		r.mu.Unlock()
	}

	// Rehydrate before the new prompt lands so the context reflects only
	// prior turns.
	history, err := r.store.ListMessages(ctx, id)
	if err != nil {
		clearTurn()
		return err
	}
	r.mu.Lock()
	entry.messages = append([]*types.Message(nil), history...)
	r.mu.Unlock()
	effective := newContextBuilder().Build(history, prompt)

	status := types.StatusRunning
	if err := r.store.UpdateSession(ctx, id, types.SessionUpdate{
		Status:     &status,
		LastPrompt: &prompt,
	}); err != nil {
		clearTurn()
		return err
	}
	if err := r.appendUserPrompt(ctx, entry, id, prompt, attachments); err != nil {
		clearTurn()
		return err
	}

	sess.Status = types.StatusRunning
	sess.LastPrompt = prompt
	r.publishStatus(id, types.StatusRunning, sess.Title)
	r.launch(turnCtx, cancel, sess, effective, false)
	return nil
}

// Stop cancels the session's in-flight turn and sets status idle.
func (r *Registry) Stop(ctx context.Context, id string) error {
	if _, err := r.store.GetSession(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	entry, ok := r.live[id]
	if !ok {
		entry = &liveSession{id: id}
		r.live[id] = entry
	}
	if entry.cancel != nil {
		entry.cancel()
		entry.cancel = nil
	}
	entry.status = types.StatusIdle
	r.mu.Unlock()

	status := types.StatusIdle
	if err := r.store.UpdateSession(ctx, id, types.SessionUpdate{Status: &status}); err != nil {
		return err
	}
	r.publishStatus(id, types.StatusIdle, "")
	return nil
}

// Delete cancels any in-flight turn and cascades a storage delete.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	if entry, ok := r.live[id]; ok {
		if entry.cancel != nil {
			entry.cancel()
		}
		delete(r.live, id)
	}
	r.mu.Unlock()

	if err := r.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	r.bus.PublishSync(event.Event{
		Type: event.SessionDeleted,
		Data: event.SessionDeletedData{SessionID: id},
	})
	return nil
}

// Shutdown cancels every live turn and waits for orchestrators to drain.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for _, entry := range r.live {
		if entry.cancel != nil {
			entry.cancel()
			entry.cancel = nil
		}
	}
	r.mu.Unlock()
	r.turns.Wait()
}

// appendUserPrompt persists the synthetic user-prompt record and announces it.
func (r *Registry) appendUserPrompt(ctx context.Context, entry *liveSession, sessionID, prompt string, attachments []string) error {
	payload, err := marshalPayload(types.NewUserPrompt(prompt, attachments))
	if err != nil {
		return err
	}
	msg := &types.Message{ID: newID(), SessionID: sessionID, Payload: payload}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append prompt: %w", err)
	}

	r.mu.Lock()
	entry.messages = append(entry.messages, msg)
	r.mu.Unlock()

	r.bus.PublishSync(event.Event{
		Type: event.StreamUserPrompt,
		Data: event.StreamUserPromptData{SessionID: sessionID, Prompt: prompt},
	})
	return nil
}

// launch starts the orchestrator goroutine for one turn. The caller has
// already registered cancel on the live entry. firstTurn gates title
// generation.
func (r *Registry) launch(ctx context.Context, cancel context.CancelFunc, sess *types.Session, effectivePrompt string, firstTurn bool) {
	r.turns.Add(1)
	go func() {
		defer r.turns.Done()
		defer cancel()
		r.runTurn(ctx, sess, effectivePrompt, firstTurn)
	}()
}

func (r *Registry) publishStatus(sessionID string, status types.SessionStatus, title string) {
	r.bus.PublishSync(event.Event{
		Type: event.SessionStatus,
		Data: event.SessionStatusData{SessionID: sessionID, Status: string(status), Title: title},
	})
}
