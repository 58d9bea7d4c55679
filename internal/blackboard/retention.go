package blackboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/feothyuth/claude-orchestrator/internal/retry"
)

// pipelineRetention is the window after which pipeline state untouched
// since its last update becomes eligible for removal by the retention
// sweep.
const pipelineRetention = 24 * time.Hour

const pipelineIndexKey = "bb:pipeline:index"

// trackPipeline records runID's last-updated time in the retention index.
// Called by SetPipelineState so the sweep can find candidates for eviction
// without a full Keys() scan (the hash backend has no glob enumeration).
func (b *Blackboard) trackPipeline(ctx context.Context, runID string, updatedAt float64) {
	b.indexMu.Lock()
	defer b.indexMu.Unlock()

	index := b.loadPipelineIndexLocked(ctx)
	index[runID] = updatedAt
	b.savePipelineIndexLocked(ctx, index)
}

func (b *Blackboard) untrackPipeline(ctx context.Context, runID string) {
	b.indexMu.Lock()
	defer b.indexMu.Unlock()

	index := b.loadPipelineIndexLocked(ctx)
	delete(index, runID)
	b.savePipelineIndexLocked(ctx, index)
}

func (b *Blackboard) loadPipelineIndexLocked(ctx context.Context) map[string]float64 {
	index := map[string]float64{}
	var raw []byte
	var found bool
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		v, ok, err := b.store.Get(ctx, pipelineIndexKey)
		raw, found = v, ok
		return err
	})
	if err != nil || !found {
		return index
	}
	if err := json.Unmarshal(raw, &index); err != nil {
		return map[string]float64{}
	}
	return index
}

func (b *Blackboard) savePipelineIndexLocked(ctx context.Context, index map[string]float64) {
	encoded, err := json.Marshal(index)
	if err != nil {
		slog.Error("failed to encode pipeline retention index", "error", err)
		return
	}
	err = retry.Do(ctx, b.retry, func(ctx context.Context) error {
		return b.store.Set(ctx, pipelineIndexKey, encoded, 0)
	})
	if err != nil {
		slog.Warn("failed to persist pipeline retention index", "error", err)
	}
}

// StartRetentionSweep launches a background goroutine that evicts pipeline
// state untouched for longer than pipelineRetention, checking every
// interval. It returns a stop function; the goroutine exits once ctx is
// cancelled or stop is called.
func (b *Blackboard) StartRetentionSweep(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Hour
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				b.sweepExpiredPipelines(sweepCtx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (b *Blackboard) sweepExpiredPipelines(ctx context.Context) {
	b.indexMu.Lock()
	index := b.loadPipelineIndexLocked(ctx)
	cutoff := nowUnix() - pipelineRetention.Seconds()

	var expired []string
	for runID, updatedAt := range index {
		if updatedAt < cutoff {
			expired = append(expired, runID)
		}
	}
	for _, runID := range expired {
		delete(index, runID)
	}
	b.savePipelineIndexLocked(ctx, index)
	b.indexMu.Unlock()

	for _, runID := range expired {
		err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
			_, err := b.store.Del(ctx, pipelineKey(runID))
			return err
		})
		if err != nil {
			slog.Warn("failed to evict expired pipeline state", "run_id", runID, "error", err)
		}
	}
}
