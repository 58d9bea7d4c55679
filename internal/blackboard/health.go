package blackboard

import (
	"context"

	"github.com/feothyuth/claude-orchestrator/internal/store"
)

// Health reports the underlying Store Adapter's connectivity snapshot.
func (b *Blackboard) Health(ctx context.Context) (store.Health, error) {
	return b.store.Health(ctx)
}
