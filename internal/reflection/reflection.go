// Package reflection stores lessons distilled from failure episodes,
// retrievable by semantic similarity against their insight embedding.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/feothyuth/claude-orchestrator/internal/retry"
	"github.com/feothyuth/claude-orchestrator/internal/store"
	"github.com/feothyuth/claude-orchestrator/internal/vector"
)

// Reflection is a lesson extracted from a failure episode.
type Reflection struct {
	ReflectionID    string    `json:"reflection_id"`
	Context         string    `json:"context"`
	ErrorOrOutcome  string    `json:"error_or_outcome"`
	Insight         string    `json:"insight"`
	PreventionPlan  string    `json:"prevention_plan"`
	CreatedAt       time.Time `json:"created_at"`
	Embedding       []float64 `json:"embedding,omitempty"`
	TimesReferenced int       `json:"times_referenced"`
	SuccessRate     float64   `json:"success_rate"`
	Archived        bool      `json:"archived"`
	ArchivedAt      time.Time `json:"archived_at,omitempty"`
}

const prefixReflection = "reflection:"

func reflectionKey(id string) string { return prefixReflection + id }

// Store persists Reflections on the Store Adapter.
type Store struct {
	store store.Adapter
	retry retry.Policy
}

// New wraps a Store Adapter with reflection persistence.
func New(adapter store.Adapter) *Store {
	return &Store{store: adapter}
}

// Put writes (or overwrites) a reflection by its ReflectionID.
func (s *Store) Put(ctx context.Context, r Reflection) error {
	encoded, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("reflection: encode: %w", err)
	}
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.store.Set(ctx, reflectionKey(r.ReflectionID), encoded, 0)
	})
	if err != nil {
		return fmt.Errorf("reflection: write: %w", err)
	}
	return nil
}

// Get returns the reflection by id, incrementing TimesReferenced as a side
// effect of a successful lookup (mirroring the Memory Graph's read-bumps-
// access-stats discipline).
func (s *Store) Get(ctx context.Context, id string) (*Reflection, bool, error) {
	var raw []byte
	var found bool
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		v, ok, err := s.store.Get(ctx, reflectionKey(id))
		raw, found = v, ok
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("reflection: read: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	var r Reflection
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, fmt.Errorf("reflection: decode: %w", err)
	}

	r.TimesReferenced++
	if err := s.Put(ctx, r); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

// SearchSimilar ranks stored reflections by cosine similarity of their
// insight embedding to queryEmbedding, descending, truncated to limit.
func (s *Store) SearchSimilar(ctx context.Context, queryEmbedding []float64, limit int) ([]Reflection, error) {
	var keys []string
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		ks, err := s.store.Keys(ctx, prefixReflection+"*")
		keys = ks
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reflection: list: %w", err)
	}

	type scored struct {
		r     Reflection
		score float64
	}
	var results []scored
	for _, key := range keys {
		var raw []byte
		var found bool
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			v, ok, err := s.store.Get(ctx, key)
			raw, found = v, ok
			return err
		})
		if err != nil || !found {
			continue
		}
		var r Reflection
		if err := json.Unmarshal(raw, &r); err != nil || r.Archived {
			continue
		}
		sim, err := vector.Cosine(queryEmbedding, r.Embedding)
		if err != nil {
			continue
		}
		results = append(results, scored{r: r, score: sim})
	}

	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].score > results[i].score {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	out := make([]Reflection, len(results))
	for i, s := range results {
		out[i] = s.r
	}
	return out, nil
}
