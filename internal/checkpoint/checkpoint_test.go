package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/gypyanpeng/agent-history/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(":memory:", zap.NewNop())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})
}

func appendChain(t *testing.T, s Store, threadID string, ids ...string) {
	t.Helper()
	var parent *string
	for i, id := range ids {
		cp := &models.Checkpoint{
			ThreadID:  threadID,
			ID:        id,
			ParentID:  parent,
			Payload:   []byte(fmt.Sprintf(`{"turn":%d}`, i)),
			Metadata:  map[string]any{"step": int64(i)},
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Append(context.Background(), cp))
		parent = models.Ptr(id)
	}
}

func ids(chain []models.Checkpoint) []string {
	var out []string
	for _, cp := range chain {
		out = append(out, cp.ID)
	}
	return out
}

func TestLoadLatest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, ok, err := s.LoadLatest(ctx, "t-1")
		require.NoError(t, err)
		assert.False(t, ok)

		appendChain(t, s, "t-1", "c1", "c2", "c3")
		appendChain(t, s, "t-2", "other")

		latest, ok, err := s.LoadLatest(ctx, "t-1")
		require.NoError(t, err)
		require.True(t, ok)
		want := &models.Checkpoint{
			ThreadID:  "t-1",
			ID:        "c3",
			ParentID:  models.Ptr("c2"),
			Payload:   []byte(`{"turn":2}`),
			Metadata:  map[string]any{"step": int64(2)},
			CreatedAt: t0.Add(2 * time.Second),
		}
		if diff := cmp.Diff(want, latest); diff != "" {
			t.Errorf("latest mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestLoadLatest_IgnoresClockForParents(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		// The child carries an older timestamp than its parent; it is still the tip.
		require.NoError(t, s.Append(ctx, &models.Checkpoint{ThreadID: "t", ID: "parent", Payload: []byte("p"), CreatedAt: t0.Add(time.Minute)}))
		require.NoError(t, s.Append(ctx, &models.Checkpoint{ThreadID: "t", ID: "child", ParentID: models.Ptr("parent"), Payload: []byte("c"), CreatedAt: t0}))

		latest, ok, err := s.LoadLatest(ctx, "t")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "child", latest.ID)
	})
}

func TestAppend_Conflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		appendChain(t, s, "t-1", "c1")
		err := s.Append(context.Background(), &models.Checkpoint{ThreadID: "t-1", ID: "c1", Payload: []byte("x")})
		assert.True(t, errors.Is(err, storage.ErrConflict))
	})
}

func TestAppend_GeneratesID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		cp := &models.Checkpoint{ThreadID: "t-1", Payload: []byte("x")}
		require.NoError(t, s.Append(context.Background(), cp))
		assert.NotEmpty(t, cp.ID)
		assert.False(t, cp.CreatedAt.IsZero())
	})
}

func TestListAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		appendChain(t, s, "t-1", "c1", "c2", "c3")

		chain, err := s.List(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"c3", "c2", "c1"}, ids(chain))

		cp, err := s.Get(ctx, "t-1", "c2")
		require.NoError(t, err)
		assert.Equal(t, "c1", *cp.ParentID)

		_, err = s.Get(ctx, "t-1", "nope")
		assert.True(t, errors.Is(err, storage.ErrNotFound))

		empty, err := s.List(ctx, "unknown")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		appendChain(t, s, "t-1", "c1")
		writes := []models.PendingWrite{
			{ThreadID: "t-1", CheckpointID: "c1", TaskID: "b", Index: 0, Channel: "messages", Type: "json", Value: []byte("1")},
			{ThreadID: "t-1", CheckpointID: "c1", TaskID: "a", Index: 1, Channel: "messages", Type: "json", Value: []byte("2")},
			{ThreadID: "t-1", CheckpointID: "c1", TaskID: "a", Index: 0, Channel: "messages", Type: "json", Value: []byte("3")},
		}
		require.NoError(t, s.PutWrites(ctx, writes))

		got, err := s.GetWrites(ctx, "t-1", "c1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "3", string(got[0].Value))
		assert.Equal(t, "2", string(got[1].Value))
		assert.Equal(t, "1", string(got[2].Value))
	})
}

func TestPutWrites_AppendOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		appendChain(t, s, "t-1", "c1")
		require.NoError(t, s.PutWrites(ctx, []models.PendingWrite{
			{ThreadID: "t-1", CheckpointID: "c1", TaskID: "a", Index: 0, Channel: "messages", Value: []byte("first")},
		}))

		// The batch repeats a stored pair, so its new entry is not kept either.
		err := s.PutWrites(ctx, []models.PendingWrite{
			{ThreadID: "t-1", CheckpointID: "c1", TaskID: "a", Index: 1, Channel: "messages", Value: []byte("second")},
			{ThreadID: "t-1", CheckpointID: "c1", TaskID: "a", Index: 0, Channel: "messages", Value: []byte("replaced")},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, storage.ErrConflict))

		got, err := s.GetWrites(ctx, "t-1", "c1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "first", string(got[0].Value))
	})
}

func TestPrune(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		appendChain(t, s, "t-1", "c1", "c2", "c3", "c4")
		require.NoError(t, s.PutWrites(ctx, []models.PendingWrite{
			{ThreadID: "t-1", CheckpointID: "c1", TaskID: "a", Channel: "messages", Value: []byte("old")},
		}))

		removed, err := s.Prune(ctx, "t-1", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		chain, err := s.List(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"c4", "c3"}, ids(chain))

		writes, err := s.GetWrites(ctx, "t-1", "c1")
		require.NoError(t, err)
		assert.Empty(t, writes)

		_, err = s.Prune(ctx, "t-1", 0)
		assert.Error(t, err)
	})
}

func TestDeleteThread(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		appendChain(t, s, "t-1", "c1", "c2")
		appendChain(t, s, "t-2", "k1")

		require.NoError(t, s.DeleteThread(ctx, "t-1"))
		_, ok, err := s.LoadLatest(ctx, "t-1")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.LoadLatest(ctx, "t-2")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestClear(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		appendChain(t, s, "t-1", "c1", "c2")
		appendChain(t, s, "t-2", "k1")
		require.NoError(t, s.PutWrites(ctx, []models.PendingWrite{
			{ThreadID: "t-1", CheckpointID: "c2", TaskID: "a", Channel: "messages", Value: []byte("v")},
		}))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Checkpoints: 3, Writes: 1}, stats)

		require.NoError(t, s.Clear(ctx))

		stats, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)
		for _, id := range []string{"t-1", "t-2"} {
			_, ok, err := s.LoadLatest(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)
		}
	})
}

func TestNew_LinksParent(t *testing.T) {
	parent := &models.Checkpoint{ThreadID: "t", ID: "p"}
	cp := New("t", parent, []byte("state"))
	assert.Equal(t, "p", *cp.ParentID)
	assert.NotEmpty(t, cp.ID)
	assert.Nil(t, New("t", nil, nil).ParentID)
}

func TestOpen(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		s := Open(Config{Enabled: false, Backend: "sqlite"}, zap.NewNop())
		defer s.Close()
		assert.IsType(t, &MemoryStore{}, s)
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "checkpoints.db")
		s := Open(Config{Enabled: true, Backend: "sqlite", Path: path}, zap.NewNop())
		defer s.Close()
		assert.IsType(t, &SQLStore{}, s)
	})

	t.Run("fallback is logged", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		s := Open(Config{Enabled: true, Backend: "sqlite", Path: ""}, zap.New(core))
		defer s.Close()

		assert.IsType(t, &MemoryStore{}, s)
		require.Equal(t, 1, logs.Len())
		entry := logs.All()[0]
		assert.Contains(t, entry.Message, "falling back to memory")
		assert.Contains(t, entry.ContextMap()["error"], "unavailable")
	})
}
