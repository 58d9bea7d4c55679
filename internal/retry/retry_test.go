package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feothyuth/claude-orchestrator/internal/retry"
	"github.com/feothyuth/claude-orchestrator/internal/store"
)

func transientErr() error {
	return fmt.Errorf("%w: connection reset", store.ErrTransientIO)
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrorsAndEventuallySucceeds(t *testing.T) {
	calls := 0
	start := time.Now()
	err := retry.Do(context.Background(), retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)
}

func TestDoDoesNotRetryFatalErrors(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")
	err := retry.Do(context.Background(), retry.Policy{}, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttemptsAndWrapsConnectionFailure(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return transientErr()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrConnectionFailure)
	assert.ErrorIs(t, err, store.ErrTransientIO)
	assert.Equal(t, 3, calls)
}

func TestDoAbortsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := retry.Do(ctx, retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return transientErr()
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
