// Package pattern implements recurring success/failure templates ranked by
// a decayed usage/success/recency blend, archived (never deleted) once
// their utility drops below threshold.
package pattern

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/feothyuth/claude-orchestrator/internal/retry"
	"github.com/feothyuth/claude-orchestrator/internal/store"
)

// Pattern is a recurring success/failure template.
type Pattern struct {
	PatternID    string          `json:"pattern_id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	SuccessRate  float64         `json:"success_rate"`
	TimesUsed    int64           `json:"times_used"`
	UtilityScore float64         `json:"utility_score"`
	KeyElements  []string        `json:"key_elements,omitempty"`
	CommonTools  []string        `json:"common_tools,omitempty"`
	LastUsed     time.Time       `json:"last_used"`
	Archived     bool            `json:"archived"`
	ArchivedAt   time.Time       `json:"archived_at,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Utility defaults.
const (
	DefaultMaxTimes       = 100
	DefaultMu             = 0.01
	DefaultUtilityThreshold = 0.3

	weightUsage   = 0.4
	weightSuccess = 0.3
	weightRecency = 0.3
)

// UtilityScore computes U = 0.4·min(times_used/max_times, 1) +
// 0.3·success_rate + 0.3·exp(-mu·days_since_last_used).
func UtilityScore(p Pattern, maxTimes int64, mu float64, now time.Time) float64 {
	if maxTimes <= 0 {
		maxTimes = DefaultMaxTimes
	}
	if mu <= 0 {
		mu = DefaultMu
	}

	usageTerm := float64(p.TimesUsed) / float64(maxTimes)
	if usageTerm > 1 {
		usageTerm = 1
	}

	days := now.Sub(p.LastUsed).Hours() / 24
	if days < 0 {
		days = 0
	}
	recencyTerm := math.Exp(-mu * days)

	return weightUsage*usageTerm + weightSuccess*p.SuccessRate + weightRecency*recencyTerm
}

// PatternID is the composite dedup key for procedural memory: taskType
// and outcome together identify a recurring template (see DESIGN.md for
// why this pairing was chosen over a separate generated id).
func PatternID(taskType, outcome string) string {
	return taskType + "-" + outcome
}

const prefixPattern = "pattern:"

func patternKey(id string) string { return prefixPattern + id }

// Store persists Patterns on the Store Adapter.
type Store struct {
	store store.Adapter
	retry retry.Policy
}

// New wraps a Store Adapter with pattern persistence.
func New(adapter store.Adapter) *Store {
	return &Store{store: adapter}
}

// Get returns the pattern identified by id, or found=false if absent.
func (s *Store) Get(ctx context.Context, id string) (*Pattern, bool, error) {
	return s.get(ctx, id)
}

// Upsert creates or updates the pattern identified by taskType-outcome:
// times_used increments, success_rate is updated as a running average
// weighted by prior times_used, last_used advances to now, and
// utility_score is recomputed.
func (s *Store) Upsert(ctx context.Context, taskType, outcome string, succeeded bool, keyElements, commonTools []string) (Pattern, error) {
	id := PatternID(taskType, outcome)
	existing, found, err := s.get(ctx, id)
	if err != nil {
		return Pattern{}, err
	}

	now := time.Now()
	var p Pattern
	if found {
		p = *existing
		outcomeValue := 0.0
		if succeeded {
			outcomeValue = 1.0
		}
		p.SuccessRate = (p.SuccessRate*float64(p.TimesUsed) + outcomeValue) / float64(p.TimesUsed+1)
		p.TimesUsed++
	} else {
		p = Pattern{
			PatternID:   id,
			Name:        taskType + " / " + outcome,
			Category:    taskType,
			TimesUsed:   1,
			KeyElements: keyElements,
			CommonTools: commonTools,
		}
		if succeeded {
			p.SuccessRate = 1.0
		}
	}
	p.LastUsed = now
	p.UtilityScore = UtilityScore(p, DefaultMaxTimes, DefaultMu, now)

	if err := s.put(ctx, p); err != nil {
		return Pattern{}, err
	}
	return p, nil
}

// Prune archives every non-archived pattern whose recomputed utility falls
// below threshold ("flag + archive timestamp; no deletion").
func (s *Store) Prune(ctx context.Context, threshold float64) (int, error) {
	if threshold <= 0 {
		threshold = DefaultUtilityThreshold
	}

	var keys []string
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		ks, err := s.store.Keys(ctx, prefixPattern+"*")
		keys = ks
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("pattern: list: %w", err)
	}

	now := time.Now()
	var pruned int
	for _, key := range keys {
		id := key[len(prefixPattern):]
		p, found, err := s.get(ctx, id)
		if err != nil || !found || p.Archived {
			continue
		}
		p.UtilityScore = UtilityScore(*p, DefaultMaxTimes, DefaultMu, now)
		if p.UtilityScore >= threshold {
			continue
		}
		p.Archived = true
		p.ArchivedAt = now
		if err := s.put(ctx, *p); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func (s *Store) get(ctx context.Context, id string) (*Pattern, bool, error) {
	var raw []byte
	var found bool
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		v, ok, err := s.store.Get(ctx, patternKey(id))
		raw, found = v, ok
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("pattern: read %q: %w", id, err)
	}
	if !found {
		return nil, false, nil
	}
	var p Pattern
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, fmt.Errorf("pattern: decode %q: %w", id, err)
	}
	return &p, true, nil
}

func (s *Store) put(ctx context.Context, p Pattern) error {
	encoded, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("pattern: encode %q: %w", p.PatternID, err)
	}
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.store.Set(ctx, patternKey(p.PatternID), encoded, 0)
	})
	if err != nil {
		return fmt.Errorf("pattern: write %q: %w", p.PatternID, err)
	}
	return nil
}
