// Package episode implements the append-only per-run episodic log that
// feeds the Consolidator's sleep cycle. Episodes live as hash entries
// keyed by run id, ordered by step_number, and are archived (moved to a
// separate namespace) rather than deleted once consolidated.
package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/feothyuth/claude-orchestrator/internal/retry"
	"github.com/feothyuth/claude-orchestrator/internal/store"
)

// Episode is one agent step's raw record within a pipeline run.
type Episode struct {
	EpisodeID    string    `json:"episode_id"`
	RunID        string    `json:"run_id"`
	StepNumber   int       `json:"step_number"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Embedding    []float64 `json:"embedding,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Importance   *float64  `json:"importance,omitempty"`
	LastAccessed time.Time `json:"last_accessed,omitempty"`
}

const (
	prefixActive  = "episode:active:"
	prefixArchive = "episode:archive:"
)

func activeKey(runID string) string  { return prefixActive + runID }
func archiveKey(runID string) string { return prefixArchive + runID }

// Log is the append-only episodic record store.
type Log struct {
	store store.Adapter
	retry retry.Policy
}

// New wraps a Store Adapter with episode-log semantics.
func New(adapter store.Adapter) *Log {
	return &Log{store: adapter}
}

// Record appends a new episode for runID, returning the generated id.
func (l *Log) Record(ctx context.Context, runID string, stepNumber int, role, content string) (string, error) {
	episode := Episode{
		EpisodeID:  uuid.NewString(),
		RunID:      runID,
		StepNumber: stepNumber,
		Role:       role,
		Content:    content,
		CreatedAt:  time.Now(),
	}
	encoded, err := json.Marshal(episode)
	if err != nil {
		return "", fmt.Errorf("episode: encode: %w", err)
	}
	field := strconv.Itoa(stepNumber) + ":" + episode.EpisodeID
	err = retry.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.store.HashPut(ctx, activeKey(runID), map[string]string{field: string(encoded)})
	})
	if err != nil {
		return "", fmt.Errorf("episode: append: %w", err)
	}
	return episode.EpisodeID, nil
}

// ListActive returns every non-archived episode for runID, ascending by
// StepNumber.
func (l *Log) ListActive(ctx context.Context, runID string) ([]Episode, error) {
	return l.list(ctx, activeKey(runID))
}

// ListArchived returns every archived episode for runID.
func (l *Log) ListArchived(ctx context.Context, runID string) ([]Episode, error) {
	return l.list(ctx, archiveKey(runID))
}

func (l *Log) list(ctx context.Context, key string) ([]Episode, error) {
	var fields map[string]string
	err := retry.Do(ctx, l.retry, func(ctx context.Context) error {
		f, err := l.store.HashGetAll(ctx, key)
		fields = f
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("episode: list %q: %w", key, err)
	}
	episodes := make([]Episode, 0, len(fields))
	for _, raw := range fields {
		var e Episode
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("episode: decode: %w", err)
		}
		episodes = append(episodes, e)
	}
	sort.Slice(episodes, func(i, j int) bool { return episodes[i].StepNumber < episodes[j].StepNumber })
	return episodes, nil
}

// UpdateImportance persists a computed importance score for episodeID
// within runID's active log.
func (l *Log) UpdateImportance(ctx context.Context, runID string, episode Episode, score float64) error {
	episode.Importance = &score
	encoded, err := json.Marshal(episode)
	if err != nil {
		return fmt.Errorf("episode: encode: %w", err)
	}
	field := strconv.Itoa(episode.StepNumber) + ":" + episode.EpisodeID
	return retry.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.store.HashPut(ctx, activeKey(runID), map[string]string{field: string(encoded)})
	})
}

// Archive moves the given episodes from the active log to the archive
// namespace for runID. It writes the archive copy before removing the
// archived fields from the active log, so a crash mid-step leaves episodes
// duplicated into the archive rather than lost; re-consolidation of an
// already-archived run is a no-op since ListActive then returns nothing.
// Only the given episodes' fields are removed, so an episode recorded
// concurrently is left active rather than silently dropped.
func (l *Log) Archive(ctx context.Context, runID string, episodes []Episode) error {
	archiveFields := make(map[string]string, len(episodes))
	archivedKeys := make([]string, 0, len(episodes))
	for _, e := range episodes {
		encoded, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("episode: encode: %w", err)
		}
		field := strconv.Itoa(e.StepNumber) + ":" + e.EpisodeID
		archiveFields[field] = string(encoded)
		archivedKeys = append(archivedKeys, field)
	}
	if len(archiveFields) > 0 {
		err := retry.Do(ctx, l.retry, func(ctx context.Context) error {
			return l.store.HashPut(ctx, archiveKey(runID), archiveFields)
		})
		if err != nil {
			return fmt.Errorf("episode: archive: %w", err)
		}
	}

	// Removes only the fields just archived, not the whole active-log
	// hash, so an episode recorded concurrently between the fetch step
	// and this call survives in the active log.
	err := retry.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.store.HashDel(ctx, activeKey(runID), archivedKeys)
	})
	if err != nil {
		return fmt.Errorf("episode: clear archived fields from active log: %w", err)
	}
	return nil
}
