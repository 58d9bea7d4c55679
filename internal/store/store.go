// Package store defines the Adapter interface that the rest of the
// coordination substrate depends on: a small set of KV, hash, stream and
// pub/sub primitives that both the networked (PostgreSQL) and embedded
// (SQLite) backends implement identically from the caller's point of view.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrTransientIO marks a failure the caller should retry (connection
// hiccup, deadlock-detected, timeout). Wrapped with context via %w.
var ErrTransientIO = errors.New("store: transient I/O error")

// ErrFatal marks a failure that retrying will not fix.
var ErrFatal = errors.New("store: fatal error")

// ErrNotFound is not returned by the Adapter methods: Get reports a missing
// key through its boolean "found" result and HashGetAll through an empty
// map. It is exposed for callers that only have an error channel.
var ErrNotFound = errors.New("store: key not found")

// StreamEntry is one row returned from StreamRangeReverse.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Messages is closed when the
// subscription is torn down via Close, or when the parent context passed to
// Subscribe is cancelled. Delivery is at-least-once: a message already in
// flight when the transport drops is not guaranteed to be redelivered, but
// the Subscription MUST resume receiving new messages automatically after a
// transport reconnect without requiring the caller to call Subscribe again.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Adapter is the minimal storage substrate every higher-level component
// (Blackboard, Memory Graph, Episode Log) depends on. Every method must be
// safe to call concurrently from multiple goroutines and multiple process
// instances sharing the same backing store.
type Adapter interface {
	// Get returns the stored bytes for key, or found=false if absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key. ttl of zero means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes key, returning whether it was present.
	Del(ctx context.Context, key string) (existed bool, err error)

	// SetIfAbsent atomically sets key only if it did not already hold a
	// (non-expired) value. Used as the conditional-put primitive for locks.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (acquired bool, err error)

	// Keys returns all keys matching a simple glob (a single '*' wildcard,
	// or '*' alone for everything, or an exact match with no wildcard).
	Keys(ctx context.Context, glob string) ([]string, error)

	// HashPut merges fields into the hash stored at key.
	HashPut(ctx context.Context, key string, fields map[string]string) error

	// HashGetAll returns every field of the hash stored at key. Returns an
	// empty, non-nil map if the hash does not exist.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// HashDel removes the given fields from the hash stored at key,
	// leaving the rest of the hash intact. Deleting a field that does not
	// exist is a no-op.
	HashDel(ctx context.Context, key string, fields []string) error

	// StreamAppend appends an entry to stream, trimming the stream to
	// approximately capHint entries (0 disables trimming). Returns the
	// generated entry id.
	StreamAppend(ctx context.Context, stream string, fields map[string]string, capHint int64) (id string, err error)

	// StreamRangeReverse returns up to limit entries, newest first.
	StreamRangeReverse(ctx context.Context, stream string, limit int64) ([]StreamEntry, error)

	// Publish broadcasts payload on channel to all current subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a live subscription to channel. The subscription
	// remains valid (auto-reconnecting) until ctx is cancelled or Close is
	// called.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Health reports connectivity and basic throughput counters.
	Health(ctx context.Context) (Health, error)

	// Close releases pooled connections and background goroutines.
	Close() error
}

// Health is the adapter-level connectivity snapshot surfaced by
// Blackboard.Health.
type Health struct {
	Connected     bool
	OpsPerSecond  float64
	OpenConns     int
	InUseConns    int
	IdleConns     int
	Error         string
}
