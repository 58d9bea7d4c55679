package pgstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdapterGetSetDel(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	_, found, err := adapter.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, adapter.Set(ctx, "k1", []byte("v1"), 0))
	value, found, err := adapter.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(value))

	existed, err := adapter.Del(ctx, "k1")
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = adapter.Del(ctx, "k1")
	require.NoError(t, err)
	require.False(t, existed)
}

func TestAdapterSetIfAbsent(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	acquired, err := adapter.SetIfAbsent(ctx, "lock1", []byte("holder-a"), time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = adapter.SetIfAbsent(ctx, "lock1", []byte("holder-b"), time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)

	value, _, err := adapter.Get(ctx, "lock1")
	require.NoError(t, err)
	require.Equal(t, "holder-a", string(value))
}

func TestAdapterSetIfAbsentAfterExpiry(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	acquired, err := adapter.SetIfAbsent(ctx, "lock2", []byte("holder-a"), 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(50 * time.Millisecond)

	acquired, err = adapter.SetIfAbsent(ctx, "lock2", []byte("holder-b"), time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestAdapterKeysGlob(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Set(ctx, "bb:artifact:plan:run1", []byte("a"), 0))
	require.NoError(t, adapter.Set(ctx, "bb:artifact:plan:run2", []byte("b"), 0))
	require.NoError(t, adapter.Set(ctx, "bb:lock:run1", []byte("c"), 0))

	keys, err := adapter.Keys(ctx, "bb:artifact:plan:*")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	keys, err = adapter.Keys(ctx, "*")
	require.NoError(t, err)
	require.Len(t, keys, 3)

	keys, err = adapter.Keys(ctx, "bb:lock:run1")
	require.NoError(t, err)
	require.Equal(t, []string{"bb:lock:run1"}, keys)
}

func TestAdapterHash(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	empty, err := adapter.HashGetAll(ctx, "hash1")
	require.NoError(t, err)
	require.Empty(t, empty)

	require.NoError(t, adapter.HashPut(ctx, "hash1", map[string]string{"step": "1", "status": "running"}))
	require.NoError(t, adapter.HashPut(ctx, "hash1", map[string]string{"status": "done"}))

	fields, err := adapter.HashGetAll(ctx, "hash1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"step": "1", "status": "done"}, fields)
}

func TestAdapterHashDel(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.HashPut(ctx, "hash2", map[string]string{"a": "1", "b": "2", "c": "3"}))
	require.NoError(t, adapter.HashDel(ctx, "hash2", []string{"b"}))

	fields, err := adapter.HashGetAll(ctx, "hash2")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "c": "3"}, fields)

	require.NoError(t, adapter.HashDel(ctx, "hash2", []string{"missing"}))
	require.NoError(t, adapter.HashDel(ctx, "hash2", nil))

	fields, err = adapter.HashGetAll(ctx, "hash2")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "c": "3"}, fields)
}

func TestAdapterStream(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := adapter.StreamAppend(ctx, "audit", map[string]string{"n": string(rune('a' + i))}, 0)
		require.NoError(t, err)
	}

	entries, err := adapter.StreamRangeReverse(ctx, "audit", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "c", entries[0].Fields["n"])
	require.Equal(t, "a", entries[2].Fields["n"])
}

func TestAdapterStreamTrims(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := adapter.StreamAppend(ctx, "trimmed", map[string]string{"i": "x"}, 5)
		require.NoError(t, err)
	}

	entries, err := adapter.StreamRangeReverse(ctx, "trimmed", 100)
	require.NoError(t, err)
	require.LessOrEqual(t, len(entries), 6)
}

func TestAdapterPublishSubscribe(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := adapter.Subscribe(ctx, "bb:events")
	require.NoError(t, err)
	defer sub.Close()

	// Give the subscription time to establish before publishing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, adapter.Publish(ctx, "bb:events", []byte(`{"key":"x"}`)))

	select {
	case msg := <-sub.Messages():
		require.Equal(t, "bb:events", msg.Channel)
		require.JSONEq(t, `{"key":"x"}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestAdapterHealth(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	health, err := adapter.Health(ctx)
	require.NoError(t, err)
	require.True(t, health.Connected)
}
