package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MJYKIM99/ClaudeBench/internal/agent"
	"github.com/MJYKIM99/ClaudeBench/internal/event"
	"github.com/MJYKIM99/ClaudeBench/internal/permission"
	"github.com/MJYKIM99/ClaudeBench/internal/store"
	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

// fakeRunner replays scripted wire lines, one script per Run call. A non-nil
// hold channel stalls every stream until it is closed.
type fakeRunner struct {
	mu      sync.Mutex
	scripts [][]string
	prompts []string
	opts    []agent.Options
	hold    chan struct{}
}

func (f *fakeRunner) Path() (string, error) { return "/usr/local/bin/claude", nil }

func (f *fakeRunner) Run(ctx context.Context, prompt string, opts agent.Options) (*agent.Stream, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	var script []string
	if len(f.scripts) > 0 {
		script = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	hold := f.hold
	f.mu.Unlock()

	stream := agent.NewStream(func() {})
	go func() {
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		for _, line := range script {
			msg, err := agent.DecodeMessage(json.RawMessage(line))
			if err != nil {
				stream.Fail(err)
				return
			}
			if !stream.Emit(msg) {
				return
			}
		}
		stream.Finish()
	}()
	return stream, nil
}

func (f *fakeRunner) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeRunner) prompt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[i]
}

var successScript = []string{
	`{"type":"system","subtype":"init","session_id":"agent-abc"}`,
	`{"type":"assistant","message":{"content":[{"type":"text","text":"done, the bug is fixed"}]}}`,
	`{"type":"result","subtype":"success","is_error":false,"result":"ok"}`,
}

func newTestRegistry(t *testing.T, runner agent.Runner) (*Registry, *store.Store, *event.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	r := NewRegistry(st, bus, runner, permission.NewArbiter(st, bus), nil)
	t.Cleanup(r.Shutdown)
	return r, st, bus
}

func waitStatus(t *testing.T, st *store.Store, id string, want types.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := st.GetSession(context.Background(), id)
		return err == nil && sess.Status == want
	}, 3*time.Second, 10*time.Millisecond, "session never reached status %s", want)
}

func TestRegistryStartFreshSession(t *testing.T) {
	runner := &fakeRunner{scripts: [][]string{successScript}}
	r, st, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	sess, err := r.Start(ctx, "fix tests", "hello", "/tmp", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, sess.Status)
	assert.Equal(t, "fix tests", sess.Title)

	waitStatus(t, st, sess.ID, types.StatusCompleted)

	stored, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-abc", stored.AgentSessionID)
	assert.Equal(t, "hello", stored.LastPrompt)

	msgs, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4) // user_prompt + three streamed messages

	var prompt types.UserPrompt
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &prompt))
	assert.Equal(t, "user_prompt", prompt.Type)
	assert.Equal(t, "hello", prompt.Prompt)
}

func TestRegistryStartStreamsMessages(t *testing.T) {
	runner := &fakeRunner{scripts: [][]string{successScript}}
	r, st, bus := newTestRegistry(t, runner)

	var mu sync.Mutex
	var streamed []event.StreamMessageData
	bus.Subscribe(event.StreamMessage, func(e event.Event) {
		mu.Lock()
		streamed = append(streamed, e.Data.(event.StreamMessageData))
		mu.Unlock()
	})

	sess, err := r.Start(context.Background(), "t", "hello", "/tmp", nil)
	require.NoError(t, err)
	waitStatus(t, st, sess.ID, types.StatusCompleted)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(streamed) == 3
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRegistryEventOrderPreserved(t *testing.T) {
	runner := &fakeRunner{scripts: [][]string{successScript}}
	r, st, bus := newTestRegistry(t, runner)

	var mu sync.Mutex
	var seen []event.Event
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})

	sess, err := r.Start(context.Background(), "t", "hello", "/tmp", nil)
	require.NoError(t, err)
	waitStatus(t, st, sess.ID, types.StatusCompleted)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range seen {
			if d, ok := e.Data.(event.SessionStatusData); ok && d.Status == string(types.StatusCompleted) {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// The transcript must reach subscribers in persisted order, with the
	// terminal status strictly after the last streamed message.
	lastStream, completedAt := -1, -1
	var streams []string
	for i, e := range seen {
		switch d := e.Data.(type) {
		case event.StreamMessageData:
			lastStream = i
			streams = append(streams, string(d.Message))
		case event.SessionStatusData:
			if d.Status == string(types.StatusCompleted) {
				completedAt = i
			}
		}
	}
	require.Len(t, streams, 3)
	assert.Contains(t, streams[0], `"system"`)
	assert.Contains(t, streams[1], `"assistant"`)
	assert.Contains(t, streams[2], `"result"`)
	assert.Greater(t, completedAt, lastStream)
}

func TestRegistryStopSetsIdle(t *testing.T) {
	runner := &fakeRunner{hold: make(chan struct{})}
	r, st, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	sess, err := r.Start(ctx, "t", "hello", "/tmp", nil)
	require.NoError(t, err)

	require.NoError(t, r.Stop(ctx, sess.ID))
	waitStatus(t, st, sess.ID, types.StatusIdle)

	// The cancelled turn must not flip the status afterwards.
	time.Sleep(50 * time.Millisecond)
	stored, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, stored.Status)
}

func TestRegistryStopUnknownSession(t *testing.T) {
	r, _, _ := newTestRegistry(t, &fakeRunner{})
	err := r.Stop(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegistryContinueUnknownSession(t *testing.T) {
	r, st, _ := newTestRegistry(t, &fakeRunner{})
	ctx := context.Background()

	err := r.Continue(ctx, "does-not-exist", "x", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	sessions, err := st.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRegistryContinueRebuildsContext(t *testing.T) {
	runner := &fakeRunner{scripts: [][]string{successScript, successScript}}
	r, st, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	sess, err := r.Start(ctx, "named", "find the bug", "/tmp", nil)
	require.NoError(t, err)
	waitStatus(t, st, sess.ID, types.StatusCompleted)

	require.NoError(t, r.Continue(ctx, sess.ID, "now fix it", nil))
	waitStatus(t, st, sess.ID, types.StatusCompleted)

	require.Equal(t, 2, runner.promptCount())
	assert.Equal(t, "find the bug", runner.prompt(0))

	rebuilt := runner.prompt(1)
	assert.Contains(t, rebuilt, historyOpen)
	assert.Contains(t, rebuilt, "User: find the bug")
	assert.Contains(t, rebuilt, "done, the bug is fixed")
	assert.True(t, strings.HasSuffix(rebuilt, "now fix it"))
}

func TestRegistryContinueWhileRunning(t *testing.T) {
	runner := &fakeRunner{hold: make(chan struct{})}
	r, _, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	sess, err := r.Start(ctx, "t", "hello", "/tmp", nil)
	require.NoError(t, err)

	err = r.Continue(ctx, sess.ID, "again", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "running")
}

func TestRegistryHistoryServesCacheAndRehydrates(t *testing.T) {
	runner := &fakeRunner{scripts: [][]string{successScript}}
	r, st, bus := newTestRegistry(t, runner)
	ctx := context.Background()

	sess, err := r.Start(ctx, "t", "hello", "/tmp", nil)
	require.NoError(t, err)
	waitStatus(t, st, sess.ID, types.StatusCompleted)

	// Live session: the cache filled by the turn serves reads.
	msgs, err := r.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	stored, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	for i := range stored {
		assert.Equal(t, stored[i].ID, msgs[i].ID)
	}

	// Fresh registry over the same store: first read rehydrates, second is
	// served from the warmed cache.
	r2 := NewRegistry(st, bus, runner, permission.NewArbiter(st, bus), nil)
	t.Cleanup(r2.Shutdown)
	_, err = r2.List(ctx)
	require.NoError(t, err)

	msgs, err = r2.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	r2.mu.Lock()
	cached := len(r2.live[sess.ID].messages)
	r2.mu.Unlock()
	assert.Equal(t, 4, cached)

	again, err := r2.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, again, 4)
	assert.Equal(t, msgs[3].ID, again[3].ID)
}

func TestRegistryDeleteCascades(t *testing.T) {
	runner := &fakeRunner{hold: make(chan struct{})}
	r, st, bus := newTestRegistry(t, runner)
	ctx := context.Background()

	deleted := make(chan event.SessionDeletedData, 1)
	bus.Subscribe(event.SessionDeleted, func(e event.Event) {
		deleted <- e.Data.(event.SessionDeletedData)
	})

	sess, err := r.Start(ctx, "t", "hello", "/tmp", nil)
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, sess.ID))

	_, err = st.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	select {
	case d := <-deleted:
		assert.Equal(t, sess.ID, d.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("session.deleted never published")
	}
}

func TestRegistryListAdmitsStoredSessions(t *testing.T) {
	r, st, _ := newTestRegistry(t, &fakeRunner{})
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, &types.Session{
		ID: newID(), Title: "old", Status: types.StatusCompleted, Cwd: "/tmp",
	}))

	sessions, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "old", sessions[0].Title)

	r.mu.Lock()
	_, admitted := r.live[sessions[0].ID]
	r.mu.Unlock()
	assert.True(t, admitted)
}

func TestRegistryTitleGeneration(t *testing.T) {
	titleScript := []string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Fixing flaky tests"}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"ok"}`,
	}
	runner := &fakeRunner{scripts: [][]string{successScript, titleScript}}
	r, st, _ := newTestRegistry(t, runner)
	ctx := context.Background()

	// Empty title means the default, which unlocks generation.
	sess, err := r.Start(ctx, "", "the tests are flaky", "/tmp", nil)
	require.NoError(t, err)
	assert.Equal(t, defaultTitle, sess.Title)

	require.Eventually(t, func() bool {
		stored, err := st.GetSession(ctx, sess.ID)
		return err == nil && stored.Title == "Fixing flaky tests"
	}, 3*time.Second, 10*time.Millisecond)

	// The secondary invocation is capped to a single turn.
	require.Equal(t, 2, runner.promptCount())
	runner.mu.Lock()
	titleOpts := runner.opts[1]
	runner.mu.Unlock()
	assert.Equal(t, 1, titleOpts.MaxTurns)
	assert.NotEmpty(t, titleOpts.SystemPrompt)
}

func TestRegistryErrorResultMarksError(t *testing.T) {
	errScript := []string{
		`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"boom"}`,
	}
	runner := &fakeRunner{scripts: [][]string{errScript}}
	r, st, _ := newTestRegistry(t, runner)

	sess, err := r.Start(context.Background(), "t", "hello", "/tmp", nil)
	require.NoError(t, err)
	waitStatus(t, st, sess.ID, types.StatusError)
}
