package blackboard

import (
	"context"

	"github.com/feothyuth/claude-orchestrator/internal/watch"
)

// Watch returns a pattern-filtered stream of Events published on the
// global events channel. See watch.Watch for delivery semantics.
func (b *Blackboard) Watch(ctx context.Context, pattern string) (*watch.Watcher, error) {
	return watch.Watch(ctx, b.store, channelEvents, pattern)
}
