package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faramesh/faramesh-core/pkg/action"
	"github.com/faramesh/faramesh-core/pkg/store"
)

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleAction(id string) *action.Action {
	now := time.Now().UTC()
	return &action.Action{
		ID:        id,
		AgentID:   "agent-1",
		Tool:      "http",
		Operation: "get",
		Params:    map[string]any{"url": "https://example.com"},
		Context:   map[string]any{},
		Decision:  action.DecisionAllow,
		Status:    action.StatusAllowed,
		RiskLevel: action.RiskLow,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleAction("act-1")
	require.NoError(t, s.CreateAction(ctx, a))

	got, err := s.GetAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "https://example.com", got.Params["url"])
	assert.EqualValues(t, 1, got.Version)
}

func TestSQLStore_CreateDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleAction("act-dup")
	require.NoError(t, s.CreateAction(ctx, a))
	err := s.CreateAction(ctx, sampleAction("act-dup"))
	assert.ErrorIs(t, err, store.ErrDuplicateID)
}

func TestSQLStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAction(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLStore_UpdateOptimisticLocking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleAction("act-2")
	require.NoError(t, s.CreateAction(ctx, a))

	a.Status = action.StatusExecuting
	a.UpdatedAt = time.Now().UTC()
	ok, err := s.UpdateAction(ctx, a, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 2, a.Version)

	// Stale expectedVersion must fail without mutating the row.
	stale := sampleAction("act-2")
	stale.Status = action.StatusFailed
	ok, err = s.UpdateAction(ctx, stale, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetAction(ctx, "act-2")
	require.NoError(t, err)
	assert.Equal(t, action.StatusExecuting, got.Status)
}

func TestSQLStore_UpdateNotFound(t *testing.T) {
	s := newTestStore(t)
	a := sampleAction("missing")
	ok, err := s.UpdateAction(context.Background(), a, 1)
	assert.False(t, ok)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLStore_ListActionsFiltersAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := sampleAction("a1")
	a1.Tool = "shell"
	a1.CreatedAt = time.Now().Add(-2 * time.Minute).UTC()
	require.NoError(t, s.CreateAction(ctx, a1))

	a2 := sampleAction("a2")
	a2.Tool = "http"
	a2.CreatedAt = time.Now().Add(-1 * time.Minute).UTC()
	require.NoError(t, s.CreateAction(ctx, a2))

	all, err := s.ListActions(ctx, 10, 0, store.Filters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a2", all[0].ID) // newest first

	shellOnly, err := s.ListActions(ctx, 10, 0, store.Filters{Tool: "shell"})
	require.NoError(t, err)
	require.Len(t, shellOnly, 1)
	assert.Equal(t, "a1", shellOnly[0].ID)

	n, err := s.CountActions(ctx, store.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLStore_EventsOrderedAndAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleAction("act-ev")
	require.NoError(t, s.CreateAction(ctx, a))

	events := []action.EventType{action.EventCreated, action.EventDecisionMade, action.EventStarted, action.EventSucceeded}
	for _, et := range events {
		e := &action.Event{ID: string(et) + "-id", ActionID: a.ID, EventType: et, CreatedAt: time.Now().UTC()}
		require.NoError(t, s.AppendEvent(ctx, e))
		time.Sleep(time.Millisecond)
	}

	got, err := s.GetEvents(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got, len(events))
	for i, et := range events {
		assert.Equal(t, et, got[i].EventType)
	}
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt))
	}
}
