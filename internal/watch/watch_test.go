package watch_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feothyuth/claude-orchestrator/internal/store/litestore"
	"github.com/feothyuth/claude-orchestrator/internal/watch"
)

func newTestAdapter(t *testing.T) *litestore.Adapter {
	t.Helper()
	adapter, err := litestore.New(context.Background(), litestore.Config{
		Path:            ":memory:",
		PollInterval:    5 * time.Millisecond,
		ChangeRetention: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

func publish(t *testing.T, adapter *litestore.Adapter, channel string, evt watch.Event) {
	t.Helper()
	encoded, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(context.Background(), channel, encoded))
}

func TestWatchDeliversMatchingEvent(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w, err := watch.Watch(ctx, adapter, "events", "run1:*")
	require.NoError(t, err)
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	publish(t, adapter, "events", watch.Event{Key: "run1:plan", Action: "write"})

	select {
	case evt := <-w.Events():
		assert.Equal(t, "run1:plan", evt.Key)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatchFiltersNonMatchingKeys(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w, err := watch.Watch(ctx, adapter, "events", "run1:*")
	require.NoError(t, err)
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	publish(t, adapter, "events", watch.Event{Key: "run2:plan", Action: "write"})

	select {
	case evt := <-w.Events():
		t.Fatalf("unexpected event delivered: %+v", evt)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchBarePatternMatchesEverything(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w, err := watch.Watch(ctx, adapter, "events", "")
	require.NoError(t, err)
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	publish(t, adapter, "events", watch.Event{Key: "anything", Action: "write"})

	select {
	case evt := <-w.Events():
		assert.Equal(t, "anything", evt.Key)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatchCloseStopsDelivery(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	w, err := watch.Watch(ctx, adapter, "events", "*")
	require.NoError(t, err)

	require.NoError(t, w.Close())

	_, ok := <-w.Events()
	assert.False(t, ok, "events channel must be closed after Close")
}
