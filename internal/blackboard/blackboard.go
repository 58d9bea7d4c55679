// Package blackboard implements the distributed artifact store: typed
// key-value CRUD with change notifications, distributed locks, pipeline
// state tracking, and an append-only audit stream, all built on top of the
// Store Adapter. Every mutation persists before it notifies: a subscriber
// never observes a change event before the new value is readable.
package blackboard

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/feothyuth/claude-orchestrator/internal/retry"
	"github.com/feothyuth/claude-orchestrator/internal/store"
)

// ArtifactType is the closed set of artifact kinds agents exchange.
type ArtifactType string

const (
	ArtifactPlan       ArtifactType = "plan"
	ArtifactCode       ArtifactType = "code"
	ArtifactTestResult ArtifactType = "test_result"
	ArtifactReview     ArtifactType = "review"
	ArtifactError      ArtifactType = "error"
	ArtifactContext    ArtifactType = "context"
	ArtifactMetadata   ArtifactType = "metadata"
	ArtifactDecision   ArtifactType = "decision"
)

var validArtifactTypes = map[ArtifactType]bool{
	ArtifactPlan: true, ArtifactCode: true, ArtifactTestResult: true,
	ArtifactReview: true, ArtifactError: true, ArtifactContext: true,
	ArtifactMetadata: true, ArtifactDecision: true,
}

// Artifact is the decoded envelope returned from Read.
type Artifact struct {
	Type      ArtifactType    `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
	Version   int             `json:"version"`
}

// EventAction distinguishes the two kinds of artifact mutation events.
type EventAction string

const (
	ActionWrite  EventAction = "write"
	ActionDelete EventAction = "delete"
)

// Event is published on the global events channel after every successful
// artifact mutation.
type Event struct {
	Key       string          `json:"key"`
	Action    EventAction     `json:"action"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AuditEntry is one record in the capped audit stream.
type AuditEntry struct {
	ID        string
	Key       string
	Action    EventAction
	Timestamp float64
}

// PipelineState tracks progress of a single pipeline run.
type PipelineState struct {
	RunID     string          `json:"run_id"`
	Step      int             `json:"step"`
	Status    string          `json:"status"`
	UpdatedAt float64         `json:"updated_at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Sentinel errors returned by Blackboard operations.
var (
	ErrSerialization  = errors.New("blackboard: serialization error")
	ErrCorruptArtifact = errors.New("blackboard: corrupt artifact")
	ErrStoreError     = errors.New("blackboard: store error")
	ErrLockTimeout    = errors.New("blackboard: lock acquisition timed out")
)

// Key namespace prefixes.
const (
	prefixArtifact = "bb:artifact:"
	prefixLock     = "bb:lock:"
	prefixPipeline = "bb:pipeline:"
	channelEvents  = "bb:events"
	streamAudit    = "bb:audit"
)

const auditCap = 10000

// Blackboard is the shared coordination substrate agents read and write
// artifacts through. It is safe for concurrent use by multiple goroutines
// and multiple process instances sharing the same Store Adapter backend.
type Blackboard struct {
	store store.Adapter
	retry retry.Policy

	// indexMu guards the pipeline retention index, which has no atomic
	// merge primitive at the Store Adapter level.
	indexMu sync.Mutex
}

// New wraps a Store Adapter with the Blackboard's artifact/lock/pipeline
// semantics. adapter is retained, not copied; callers own its lifecycle.
func New(adapter store.Adapter) *Blackboard {
	return &Blackboard{store: adapter, retry: retry.Policy{}}
}

func artifactKey(key string) string  { return prefixArtifact + key }
func lockKey(resource string) string { return prefixLock + resource }
func pipelineKey(runID string) string { return prefixPipeline + runID }

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Write atomically encodes value as an artifact envelope of the given type,
// stores it with the given ttl (0 = no expiration), and, unless
// notify is false, publishes an Event and appends an audit entry. Ordering
// follows store, then publish, then audit — so a subscriber
// never observes an Event before the new value is readable.
func (b *Blackboard) Write(ctx context.Context, key string, value any, artifactType ArtifactType, ttl time.Duration, notify bool) error {
	if !validArtifactTypes[artifactType] {
		return fmt.Errorf("%w: unknown artifact type %q", ErrSerialization, artifactType)
	}
	if ttl < 0 {
		ttl = 0
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	ts := nowUnix()
	envelope := Artifact{Type: artifactType, Data: data, Timestamp: ts, Version: 1}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	err = retry.Do(ctx, b.retry, func(ctx context.Context) error {
		return b.store.Set(ctx, artifactKey(key), encoded, ttl)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreError, err)
	}

	if !notify {
		return nil
	}

	event := Event{Key: key, Action: ActionWrite, Timestamp: ts, Data: json.RawMessage(fmt.Sprintf(`{"type":%q}`, artifactType))}
	b.publishAndAudit(ctx, key, event)
	return nil
}

// Read returns the decoded artifact envelope, or found=false if absent.
func (b *Blackboard) Read(ctx context.Context, key string) (*Artifact, bool, error) {
	var raw []byte
	var found bool
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		v, ok, err := b.store.Get(ctx, artifactKey(key))
		raw, found = v, ok
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	if !found {
		return nil, false, nil
	}

	var artifact Artifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	return &artifact, true, nil
}

// Delete removes key if present, publishing an event and audit entry for
// an actual deletion. It is idempotent: deleting an absent key returns
// false with no error and no event.
func (b *Blackboard) Delete(ctx context.Context, key string) (bool, error) {
	var existed bool
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		ok, err := b.store.Del(ctx, artifactKey(key))
		existed = ok
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	if !existed {
		return false, nil
	}

	event := Event{Key: key, Action: ActionDelete, Timestamp: nowUnix()}
	b.publishAndAudit(ctx, key, event)
	return true, nil
}

// List returns every artifact key matching pattern (a simple glob: '*'
// alone, a single trailing '*' for prefix match, or an exact match).
func (b *Blackboard) List(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	var rawKeys []string
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		ks, err := b.store.Keys(ctx, prefixArtifact+pattern)
		rawKeys = ks
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreError, err)
	}

	keys := make([]string, 0, len(rawKeys))
	for _, k := range rawKeys {
		keys = append(keys, k[len(prefixArtifact):])
	}
	return keys, nil
}

// publishAndAudit emits the event and appends the audit entry. Failures
// here are logged, not returned: the artifact mutation itself already
// committed, and publish/audit are best-effort relative to the store
// write (at-least-once delivery, idempotent consumers).
func (b *Blackboard) publishAndAudit(ctx context.Context, key string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode event", "key", key, "error", err)
		return
	}
	if err := b.store.Publish(ctx, channelEvents, payload); err != nil {
		slog.Warn("failed to publish event", "key", key, "error", err)
	}

	fields := map[string]string{
		"key":       key,
		"action":    string(event.Action),
		"timestamp": fmt.Sprintf("%f", event.Timestamp),
	}
	if _, err := b.store.StreamAppend(ctx, streamAudit, fields, auditCap); err != nil {
		slog.Warn("failed to append audit entry", "key", key, "error", err)
	}
}

// GetHistory returns up to limit audit entries, newest first.
func (b *Blackboard) GetHistory(ctx context.Context, limit int64) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rawEntries []store.StreamEntry
	err := retry.Do(ctx, b.retry, func(ctx context.Context) error {
		es, err := b.store.StreamRangeReverse(ctx, streamAudit, limit)
		rawEntries = es
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreError, err)
	}

	entries := make([]AuditEntry, 0, len(rawEntries))
	for _, e := range rawEntries {
		var ts float64
		fmt.Sscanf(e.Fields["timestamp"], "%f", &ts)
		entries = append(entries, AuditEntry{
			ID:        e.ID,
			Key:       e.Fields["key"],
			Action:    EventAction(e.Fields["action"]),
			Timestamp: ts,
		})
	}
	return entries, nil
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
