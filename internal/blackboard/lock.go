package blackboard

import (
	"context"
	"fmt"
	"time"

	"github.com/feothyuth/claude-orchestrator/internal/retry"
)

const (
	defaultLockTTL       = 5 * time.Second
	defaultBlockingTimeout = 10 * time.Second
	lockPollInitial      = 10 * time.Millisecond
	lockPollCap          = time.Second
)

// AcquireLock attempts to acquire the advisory lock on resource. In
// non-blocking mode it makes a single conditional-put attempt. In blocking
// mode it polls with exponential backoff (10ms doubling to a 1s cap) until
// either it succeeds or blockingTimeout elapses, at which point it fails
// with ErrLockTimeout. The marker value is a random token, but release is
// unconditional (last-writer-wins): see DESIGN.md for why this
// implementation chose unconditional release over token-guarded release.
func (b *Blackboard) AcquireLock(ctx context.Context, resource string, ttl time.Duration, blocking bool, blockingTimeout time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if blockingTimeout <= 0 {
		blockingTimeout = defaultBlockingTimeout
	}

	token := randomToken()
	tryAcquire := func(ctx context.Context) (bool, error) {
		var acquired bool
		err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
			ok, err := b.store.SetIfAbsent(ctx, lockKey(resource), []byte(token), ttl)
			acquired = ok
			return err
		})
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrStoreError, err)
		}
		return acquired, nil
	}

	ok, err := tryAcquire(ctx)
	if err != nil || ok || !blocking {
		return ok, err
	}

	deadline := time.Now().Add(blockingTimeout)
	delay := lockPollInitial
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, ErrLockTimeout
		}
		wait := delay
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return false, ctx.Err()
		}

		ok, err := tryAcquire(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		delay *= 2
		if delay > lockPollCap {
			delay = lockPollCap
		}
	}
}

// ReleaseLock releases resource's lock unconditionally, returning whether a
// marker was actually present.
func (b *Blackboard) ReleaseLock(ctx context.Context, resource string) (bool, error) {
	var existed bool
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		ok, err := b.store.Del(ctx, lockKey(resource))
		existed = ok
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	return existed, nil
}

// ScopedLock acquires resource's lock and returns a release function that
// is safe to defer; release is guaranteed to run exactly once regardless of
// how the caller's critical section exits, including panics.
func (b *Blackboard) ScopedLock(ctx context.Context, resource string, ttl time.Duration, blocking bool, blockingTimeout time.Duration) (release func(), err error) {
	ok, err := b.AcquireLock(ctx, resource, ttl, blocking, blockingTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("blackboard: lock %q not acquired", resource)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if _, err := b.ReleaseLock(context.Background(), resource); err != nil {
			// Best-effort: the lock's ttl still bounds how long the
			// resource stays unavailable even if this release fails.
		}
	}, nil
}
