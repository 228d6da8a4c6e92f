// ABOUTME: Behavior tests shared by SQLiteStore and MockStore
// ABOUTME: Both implementations must agree on duplicates, ordering and not-found

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachStore runs fn against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func newRun(id, connID, key string, created time.Time) *Run {
	return &Run{
		ID:             id,
		IdempotencyKey: key,
		OwnerConnID:    connID,
		Owner:          "device:abc",
		Method:         "agent",
		AgentID:        "agent-001",
		Params:         json.RawMessage(`{"message":"hi"}`),
		Status:         RunStatusAccepted,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestStore_CreateAndGetRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		run := newRun("run-1", "conn-1", "k1", now)
		require.NoError(t, s.CreateRun(ctx, run))

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "k1", got.IdempotencyKey)
		assert.Equal(t, "conn-1", got.OwnerConnID)
		assert.Equal(t, RunStatusAccepted, got.Status)
		assert.JSONEq(t, `{"message":"hi"}`, string(got.Params))
		assert.Nil(t, got.Result)
		assert.True(t, got.CreatedAt.Equal(now), "created_at round trip: %v vs %v", got.CreatedAt, now)
		assert.False(t, got.Terminal())
	})
}

func TestStore_GetRun_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetRun(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_CreateRun_DuplicateIdempotencyKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, s.CreateRun(ctx, newRun("run-1", "conn-1", "k1", now)))

		err := s.CreateRun(ctx, newRun("run-2", "conn-1", "k1", now))
		assert.ErrorIs(t, err, ErrDuplicateRun)

		// Same key on another connection is a different run
		require.NoError(t, s.CreateRun(ctx, newRun("run-3", "conn-2", "k1", now)))

		err = s.CreateRun(ctx, newRun("run-1", "conn-3", "k9", now))
		assert.ErrorIs(t, err, ErrDuplicateRun)
	})
}

func TestStore_UpdateRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		run := newRun("run-1", "conn-1", "k1", now)
		require.NoError(t, s.CreateRun(ctx, run))

		run.Status = RunStatusCompleted
		run.Result = json.RawMessage(`{"text":"done"}`)
		run.UpdatedAt = now.Add(time.Second)
		require.NoError(t, s.UpdateRun(ctx, run))

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, RunStatusCompleted, got.Status)
		assert.JSONEq(t, `{"text":"done"}`, string(got.Result))
		assert.True(t, got.Terminal())

		err = s.UpdateRun(ctx, newRun("missing", "c", "k", now))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListRunsByOwner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC()

		for i := range 5 {
			run := newRun(fmt.Sprintf("run-%d", i), "conn-1", fmt.Sprintf("k%d", i), base.Add(time.Duration(i)*time.Millisecond))
			require.NoError(t, s.CreateRun(ctx, run))
		}
		other := newRun("run-other", "conn-2", "k0", base)
		other.Owner = "token"
		require.NoError(t, s.CreateRun(ctx, other))

		runs, err := s.ListRunsByOwner(ctx, "device:abc", 3)
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, "run-4", runs[0].ID)
		assert.Equal(t, "run-3", runs[1].ID)
		assert.Equal(t, "run-2", runs[2].ID)
	})
}

func TestStore_ListRunsByStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		accepted := newRun("run-a", "conn-1", "ka", now)
		running := newRun("run-b", "conn-1", "kb", now.Add(time.Millisecond))
		running.Status = RunStatusRunning
		done := newRun("run-c", "conn-1", "kc", now.Add(2*time.Millisecond))
		done.Status = RunStatusCompleted
		for _, r := range []*Run{accepted, running, done} {
			require.NoError(t, s.CreateRun(ctx, r))
		}

		runs, err := s.ListRunsByStatus(ctx, RunStatusAccepted, RunStatusRunning)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-a", runs[0].ID)
		assert.Equal(t, "run-b", runs[1].ID)

		none, err := s.ListRunsByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestStore_RunEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, s.CreateRun(ctx, newRun("run-1", "conn-1", "k1", now)))

		for seq := int64(1); seq <= 4; seq++ {
			require.NoError(t, s.SaveRunEvent(ctx, &RunEvent{
				RunID:     "run-1",
				Seq:       seq,
				Kind:      "text",
				Payload:   json.RawMessage(fmt.Sprintf(`{"text":"part %d"}`, seq)),
				CreatedAt: now,
			}))
		}

		err := s.SaveRunEvent(ctx, &RunEvent{RunID: "run-1", Seq: 2, Kind: "text", Payload: json.RawMessage(`{}`), CreatedAt: now})
		assert.ErrorIs(t, err, ErrDuplicateRun)

		events, err := s.ListRunEvents(ctx, "run-1", 1, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Seq)
		assert.Equal(t, int64(3), events[1].Seq)
		assert.JSONEq(t, `{"text":"part 2"}`, string(events[0].Payload))

		empty, err := s.ListRunEvents(ctx, "run-1", 4, 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}
