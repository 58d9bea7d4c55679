package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/feothyuth/claude-orchestrator/internal/retry"
)

// SetPipelineState records step/status (and optional data) for runID,
// stamping updated_at to now. Stored as a hash so fields can be read back
// individually without re-decoding the whole envelope.
func (b *Blackboard) SetPipelineState(ctx context.Context, runID string, step int, status string, data any) error {
	fields := map[string]string{
		"run_id":     runID,
		"step":       strconv.Itoa(step),
		"status":     status,
		"updated_at": fmt.Sprintf("%f", nowUnix()),
	}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		fields["data"] = string(encoded)
	}

	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		return b.store.HashPut(ctx, pipelineKey(runID), fields)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreError, err)
	}

	var updatedAt float64
	fmt.Sscanf(fields["updated_at"], "%f", &updatedAt)
	b.trackPipeline(ctx, runID, updatedAt)
	return nil
}

// GetPipelineState returns the current state for runID, or found=false if
// no state has ever been set (or it has been cleared / expired).
func (b *Blackboard) GetPipelineState(ctx context.Context, runID string) (*PipelineState, bool, error) {
	var fields map[string]string
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		f, err := b.store.HashGetAll(ctx, pipelineKey(runID))
		fields = f
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	step, _ := strconv.Atoi(fields["step"])
	var updatedAt float64
	fmt.Sscanf(fields["updated_at"], "%f", &updatedAt)

	state := &PipelineState{
		RunID:     runID,
		Step:      step,
		Status:    fields["status"],
		UpdatedAt: updatedAt,
	}
	if raw, ok := fields["data"]; ok {
		state.Data = json.RawMessage(raw)
	}
	return state, true, nil
}

// ClearPipelineState deletes all tracked state for runID.
func (b *Blackboard) ClearPipelineState(ctx context.Context, runID string) (bool, error) {
	var existed bool
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		ok, err := b.store.Del(ctx, pipelineKey(runID))
		existed = ok
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	b.untrackPipeline(ctx, runID)
	return existed, nil
}
