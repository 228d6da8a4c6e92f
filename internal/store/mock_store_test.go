// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on copy isolation and edge cases specific to in-memory implementation

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	run := newRun("run-1", "conn-1", "k1", time.Now().UTC())
	require.NoError(t, store.CreateRun(ctx, run))

	// Mutating the caller's value must not leak into the store
	run.Status = RunStatusErrored
	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusAccepted, got.Status)

	got.Status = RunStatusCompleted
	again, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusAccepted, again.Status)
}

func TestMockStore_RunEventRequiresRun(t *testing.T) {
	store := NewMockStore()

	err := store.SaveRunEvent(context.Background(), &RunEvent{RunID: "missing", Seq: 1, Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_RunEventsOutOfOrderInsert(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, newRun("run-1", "conn-1", "k1", time.Now())))

	for _, seq := range []int64{3, 1, 2} {
		require.NoError(t, store.SaveRunEvent(ctx, &RunEvent{RunID: "run-1", Seq: seq, Payload: json.RawMessage(`{}`)}))
	}

	events, err := store.ListRunEvents(ctx, "run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{events[0].Seq, events[1].Seq, events[2].Seq})
}
