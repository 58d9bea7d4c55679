// Package retry provides the uniform transient-failure retry policy used
// at the Store Adapter call sites: up to 3 attempts with linearly increasing
// delay between them (0.5s, then 1.0s). Non-transient errors are never retried.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/feothyuth/claude-orchestrator/internal/store"
)

// DefaultMaxAttempts is the number of tries before giving up: the first
// attempt plus up to 2 retries.
const DefaultMaxAttempts = 3

// DefaultBaseDelay is the linear backoff step: attempt N waits N*BaseDelay.
const DefaultBaseDelay = 500 * time.Millisecond

// Policy configures retry behavior. The zero value is usable and resolves
// to the package defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p Policy) resolved() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// Do runs fn, retrying while it returns an error wrapping store.ErrTransientIO,
// up to MaxAttempts total attempts with linearly increasing delay between
// attempts. Any other error (including store.ErrFatal) is returned
// immediately without retry. On exhaustion the last error is returned
// wrapped so callers can still detect the underlying store.ErrTransientIO.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	policy = policy.resolved()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, store.ErrTransientIO) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := time.Duration(attempt) * policy.BaseDelay
		slog.Warn("retrying transient store operation",
			"attempt", attempt, "max_attempts", policy.MaxAttempts,
			"delay", delay, "error", lastErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return errors.Join(ErrConnectionFailure, lastErr)
}

// ErrConnectionFailure marks retry exhaustion — the terminal error surfaced
// to callers once all transient retries have been spent.
var ErrConnectionFailure = errors.New("retry: connection failure after exhausting retries")
