// Package watch implements glob-filtered event fan-out over a Store
// Adapter subscription, generalizing a per-session WebSocket connection
// manager into arbitrary pattern-filtered consumers of a single shared
// pub/sub channel.
package watch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/feothyuth/claude-orchestrator/internal/store"
	"github.com/feothyuth/claude-orchestrator/internal/store/globutil"
)

// Event mirrors blackboard.Event's wire shape without importing that
// package, keeping Watch usable against any JSON payload carrying a key.
type Event struct {
	Key       string          `json:"key"`
	Action    string          `json:"action"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Watcher is a single pattern-filtered consumer of the events channel.
// Delivery is at-least-once; a slow Watcher only drops its own messages
// (bounded by its internal buffer) and never blocks other watchers.
type Watcher struct {
	events  chan Event
	cancel  context.CancelFunc
	sub     store.Subscription
}

// Events returns the channel of matching events. It is closed when the
// Watcher is stopped or the underlying subscription ends.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close tears down the subscription and stops delivery.
func (w *Watcher) Close() error {
	w.cancel()
	return w.sub.Close()
}

const bufferSize = 256

// Watch subscribes to channel on adapter and yields events whose Key
// matches pattern (the restricted glob dialect in globutil: '*' alone
// matches everything, a single '*' is a prefix match, otherwise exact
// equality is required).
func Watch(ctx context.Context, adapter store.Adapter, channel, pattern string) (*Watcher, error) {
	if pattern == "" {
		pattern = "*"
	}
	watchCtx, cancel := context.WithCancel(ctx)

	sub, err := adapter.Subscribe(watchCtx, channel)
	if err != nil {
		cancel()
		return nil, err
	}

	w := &Watcher{events: make(chan Event, bufferSize), cancel: cancel, sub: sub}
	go w.pump(pattern)
	return w, nil
}

func (w *Watcher) pump(pattern string) {
	defer close(w.events)
	for msg := range w.sub.Messages() {
		var evt Event
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			slog.Warn("watch: dropping undecodable event payload", "error", err)
			continue
		}
		if !globutil.Match(pattern, evt.Key) {
			continue
		}
		select {
		case w.events <- evt:
		default:
			slog.Warn("watch: dropping event for slow consumer", "key", evt.Key)
		}
	}
}
