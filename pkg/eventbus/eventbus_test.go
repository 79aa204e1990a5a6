package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faramesh/faramesh-core/pkg/action"
	"github.com/faramesh/faramesh-core/pkg/eventbus"
	"github.com/faramesh/faramesh-core/pkg/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	a := &action.Action{
		ID: "a1", AgentID: "ag", Tool: "http", Operation: "get",
		Params: map[string]any{}, Context: map[string]any{},
		Decision: action.DecisionAllow, Status: action.StatusAllowed,
		RiskLevel: action.RiskLow, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateAction(context.Background(), a))
	return s
}

func TestBus_EmitPersistsAndBroadcasts(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st, false, nil)

	ch, unsub := bus.Subscribe()
	defer unsub()

	bus.Emit(context.Background(), "a1", action.EventCreated, nil)

	select {
	case d := <-ch:
		assert.Equal(t, action.EventCreated, d.Event.EventType)
		assert.False(t, d.Lagged)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast delivery")
	}

	events, err := st.GetEvents(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestBus_SlowSubscriberDoesNotBlockFastOne(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st, false, nil)

	slow, unsubSlow := bus.Subscribe()
	defer unsubSlow()
	fast, unsubFast := bus.Subscribe()
	defer unsubFast()

	for i := 0; i < 300; i++ {
		bus.Emit(context.Background(), "a1", action.EventDecisionMade, nil)
	}

	select {
	case d := <-fast:
		assert.NotNil(t, d.Event)
	case <-time.After(time.Second):
		t.Fatal("fast subscriber starved by slow one")
	}

	_ = slow // slow subscriber intentionally never drained
}

func TestBus_HashChainLinksEvents(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st, true, nil)

	bus.Emit(context.Background(), "a1", action.EventCreated, nil)
	bus.Emit(context.Background(), "a1", action.EventDecisionMade, nil)

	events, err := st.GetEvents(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "genesis", events[0].PrevHash)
	assert.NotEmpty(t, events[0].RecordHash)
	assert.Equal(t, events[0].RecordHash, events[1].PrevHash)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st, false, nil)

	ch, unsub := bus.Subscribe()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
}
