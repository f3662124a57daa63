package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gypyanpeng/agent-history/internal/checkpoint"
	"github.com/gypyanpeng/agent-history/internal/engine"
	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/gypyanpeng/agent-history/internal/recovery"
	"github.com/gypyanpeng/agent-history/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingEngine struct {
	mu      sync.Mutex
	calls   [][]models.Message
	states  [][]byte
	failing bool
}

func (e *recordingEngine) Invoke(ctx context.Context, history []models.Message, state []byte) (engine.Reply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failing {
		return engine.Reply{}, errors.New("engine offline")
	}
	e.calls = append(e.calls, append([]models.Message(nil), history...))
	e.states = append(e.states, state)
	n := len(e.calls)
	return engine.Reply{
		Content: fmt.Sprintf("reply %d", n),
		State:   []byte(fmt.Sprintf("state-%d", n)),
	}, nil
}

type fixture struct {
	store       *storage.MemoryStorage
	checkpoints *checkpoint.MemoryStore
	engine      *recordingEngine
	manager     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:       storage.NewMemoryStorage(),
		checkpoints: checkpoint.NewMemoryStore(),
		engine:      &recordingEngine{},
	}
	f.manager = NewManager(f.store, f.checkpoints, f.engine, Options{}, zap.NewNop())
	return f
}

func TestNewThreadID(t *testing.T) {
	assert.Regexp(t, `^admin_[0-9a-f]{8}$`, NewThreadID("admin"))
	assert.NotEqual(t, NewThreadID("admin"), NewThreadID("admin"))
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sc, err := f.manager.Start(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", sc.UserIdentifier)
	assert.NotEmpty(t, sc.UserID)

	thread, err := f.store.GetThread(ctx, sc.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "admin", thread.Owner())
	assert.Equal(t, sc.UserID, *thread.OwnerID)
	assert.False(t, thread.HasName())

	again, err := f.manager.Start(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, sc.UserID, again.UserID, "the user is registered once")
	assert.NotEqual(t, sc.ThreadID, again.ThreadID)
}

func TestSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc, err := f.manager.Start(ctx, "admin")
	require.NoError(t, err)

	reply, err := f.manager.Send(ctx, sc, "Plan a trip to Lisbon")
	require.NoError(t, err)
	assert.Equal(t, "reply 1", reply)

	_, err = f.manager.Send(ctx, sc, "and book a hotel")
	require.NoError(t, err)

	thread, err := f.store.GetThread(ctx, sc.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "Plan a trip to Lisbon", *thread.Name, "named after the first message only")
	require.Len(t, thread.Steps, 4)

	require.Len(t, f.engine.calls, 2)
	assert.Equal(t, []models.Message{{Role: models.RoleUser, Content: "Plan a trip to Lisbon"}}, f.engine.calls[0])
	assert.Equal(t, []models.Message{
		{Role: models.RoleUser, Content: "Plan a trip to Lisbon"},
		{Role: models.RoleAssistant, Content: "reply 1"},
		{Role: models.RoleUser, Content: "and book a hotel"},
	}, f.engine.calls[1])
	assert.Nil(t, f.engine.states[0])
	assert.Equal(t, "state-1", string(f.engine.states[1]))

	chain, err := f.checkpoints.List(ctx, sc.ThreadID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "state-2", string(chain[0].Payload))
	assert.Equal(t, chain[1].ID, *chain[0].ParentID)
}

func TestSend_EngineFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc, err := f.manager.Start(ctx, "admin")
	require.NoError(t, err)

	f.engine.failing = true
	_, err = f.manager.Send(ctx, sc, "hello there")
	require.Error(t, err)

	history, err := f.manager.History(ctx, sc.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, []models.Message{{Role: models.RoleUser, Content: "hello there"}}, history)

	_, ok, err := f.checkpoints.LoadLatest(ctx, sc.ThreadID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSend_OrphanedThreadStillWorks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc := &Context{ThreadID: "never-created", UserIdentifier: "admin"}

	reply, err := f.manager.Send(ctx, sc, "is anyone there?")
	require.NoError(t, err)
	assert.Equal(t, "reply 1", reply)

	thread, err := f.store.GetThread(ctx, "never-created")
	require.NoError(t, err)
	assert.Equal(t, storage.OrphanThreadName, *thread.Name)
}

func TestResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc, err := f.manager.Start(ctx, "admin")
	require.NoError(t, err)
	_, err = f.manager.Send(ctx, sc, "first question")
	require.NoError(t, err)

	resumedCtx, resumed, err := f.manager.Resume(ctx, "admin", sc.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, sc.ThreadID, resumedCtx.ThreadID)
	assert.Equal(t, sc.UserID, resumedCtx.UserID)
	assert.Len(t, resumed.Messages, 2)
	require.NotNil(t, resumed.Checkpoint)

	thread, err := f.store.GetThread(ctx, sc.ThreadID)
	require.NoError(t, err)
	last := thread.Steps[len(thread.Steps)-1]
	assert.Equal(t, recovery.Notice(2), last.Output)

	// The notice never feeds back into the context.
	_, err = f.manager.Send(ctx, resumedCtx, "second question")
	require.NoError(t, err)
	assert.Len(t, f.engine.calls[1], 3)
	assert.Equal(t, "state-1", string(f.engine.states[1]))

	_, _, err = f.manager.Resume(ctx, "admin", "no-such-thread")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc, err := f.manager.Start(ctx, "admin")
	require.NoError(t, err)
	_, err = f.manager.Send(ctx, sc, "to be forgotten")
	require.NoError(t, err)

	require.NoError(t, f.manager.Delete(ctx, sc.ThreadID))

	_, err = f.store.GetThread(ctx, sc.ThreadID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, ok, err := f.checkpoints.LoadLatest(ctx, sc.ThreadID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, f.manager.Delete(ctx, sc.ThreadID), storage.ErrNotFound)
}

func TestDelete_UnknownThreadKeepsCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.checkpoints.Append(ctx, checkpoint.New("ghost", nil, []byte("state"))))

	assert.ErrorIs(t, f.manager.Delete(ctx, "ghost"), storage.ErrNotFound)

	_, ok, err := f.checkpoints.LoadLatest(ctx, "ghost")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc, err := f.manager.Start(ctx, "admin")
	require.NoError(t, err)
	_, err = f.manager.Send(ctx, sc, "short lived")
	require.NoError(t, err)

	require.NoError(t, f.manager.Clear(ctx))

	stats, err := f.checkpoints.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Stats{}, stats)

	_, _, err = f.manager.Resume(ctx, "admin", sc.ThreadID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.store.GetThread(ctx, sc.ThreadID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSend_ConcurrentTurnsAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc, err := f.manager.Start(ctx, "admin")
	require.NoError(t, err)

	const turns = 10
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.manager.Send(ctx, sc, fmt.Sprintf("message %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	thread, err := f.store.GetThread(ctx, sc.ThreadID)
	require.NoError(t, err)
	require.Len(t, thread.Steps, 2*turns)
	for i, st := range thread.Steps {
		want := models.UserMessage
		if i%2 == 1 {
			want = models.AssistantMessage
		}
		assert.Equal(t, want, st.Type, "step %d", i)
	}

	chain, err := f.checkpoints.List(ctx, sc.ThreadID)
	require.NoError(t, err)
	assert.Len(t, chain, turns, "every checkpoint links to the one before it")
	assert.Zero(t, f.manager.locks.size())
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	unlockA()
	unlockB()
	assert.Zero(t, k.size())
}
