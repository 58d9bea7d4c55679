// Package consolidator implements the sleep cycle: draining a run's
// episodic log into the Memory Graph (nodes, relations) and into
// reflections distilled from failures. It runs as a foreground task
// serialized per run id by a Blackboard-held lock.
package consolidator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/feothyuth/claude-orchestrator/internal/blackboard"
	"github.com/feothyuth/claude-orchestrator/internal/episode"
	"github.com/feothyuth/claude-orchestrator/internal/graph"
	"github.com/feothyuth/claude-orchestrator/internal/importance"
	"github.com/feothyuth/claude-orchestrator/internal/llm"
	"github.com/feothyuth/claude-orchestrator/internal/pattern"
	"github.com/feothyuth/claude-orchestrator/internal/reflection"
)

// Clustering defaults for the sleep cycle's seeded-clustering step.
const (
	DefaultClusteringThreshold = 0.75
	DefaultMaxClusterSize      = 10
	DefaultMinClusterSize      = 2
	DefaultSingletonPromotion  = 0.7
)

// Report summarizes one sleep cycle's outcome.
type Report struct {
	RunID             string
	EpisodesFetched   int
	ClustersFormed    int
	NodesUpserted     int
	RelationsUpserted int
	PatternsUpserted  int
	ReflectionsMade   int
	EpisodesArchived  int
	Duration          time.Duration
	SkippedNoOp       bool
}

// Consolidator wires the episode log, memory graph, procedural-memory
// store, LLM dependency, and the blackboard's locking primitive into the
// sleep-cycle pipeline.
type Consolidator struct {
	episodes    *episode.Log
	graph       *graph.Graph
	llm         llm.Client
	bb          *blackboard.Blackboard
	reflections *reflection.Store
	patterns    *pattern.Store

	clusteringThreshold float64
	maxClusterSize      int
	minClusterSize      int
	singletonPromotion  float64
}

// New builds a Consolidator over the given collaborators, using the
// default clustering constants.
func New(episodes *episode.Log, g *graph.Graph, client llm.Client, bb *blackboard.Blackboard, reflections *reflection.Store, patterns *pattern.Store) *Consolidator {
	return &Consolidator{
		episodes:            episodes,
		graph:               g,
		llm:                 client,
		bb:                  bb,
		reflections:         reflections,
		patterns:            patterns,
		clusteringThreshold: DefaultClusteringThreshold,
		maxClusterSize:      DefaultMaxClusterSize,
		minClusterSize:      DefaultMinClusterSize,
		singletonPromotion:  DefaultSingletonPromotion,
	}
}

const consolidatorLockTTL = 5 * time.Minute

// Consolidate runs the full sleep cycle for runID: fetch, score, cluster,
// extract, upsert, reflect, archive, report. It acquires a
// consolidator lock keyed by runID for the cycle's duration so two
// concurrent consolidations of the same run serialize.
func (c *Consolidator) Consolidate(ctx context.Context, runID string) (Report, error) {
	release, err := c.bb.ScopedLock(ctx, consolidatorLockResource(runID), consolidatorLockTTL, true, consolidatorLockTTL)
	if err != nil {
		return Report{}, fmt.Errorf("consolidator: acquire run lock: %w", err)
	}
	defer release()

	start := time.Now()

	// Step 1: fetch.
	episodes, err := c.episodes.ListActive(ctx, runID)
	if err != nil {
		return Report{}, fmt.Errorf("consolidator: fetch episodes: %w", err)
	}
	if len(episodes) == 0 {
		// Idempotent no-op: either nothing was ever recorded, or a prior
		// run already drained the active log ("re-running on
		// an already-drained run is a no-op").
		return Report{RunID: runID, Duration: time.Since(start), SkippedNoOp: true}, nil
	}

	// Step 2: score importance for episodes lacking one.
	for i := range episodes {
		if episodes[i].Importance == nil {
			score := importance.Score(episodes[i].Content)
			episodes[i].Importance = &score
			if err := c.episodes.UpdateImportance(ctx, runID, episodes[i], score); err != nil {
				return Report{}, fmt.Errorf("consolidator: persist importance: %w", err)
			}
		}
		if len(episodes[i].Embedding) == 0 {
			vec, err := c.llm.Embed(ctx, episodes[i].Content)
			if err != nil {
				return Report{}, fmt.Errorf("consolidator: embed episode: %w", err)
			}
			episodes[i].Embedding = vec
		}
	}

	// Step 3: cluster.
	clusters := clusterEpisodes(episodes, c.clusteringThreshold, c.maxClusterSize, c.minClusterSize, c.singletonPromotion)

	// Steps 4-5: extract insights per cluster, upsert under supersession,
	// and upsert the cluster's procedural-memory pattern keyed by its
	// dominant task type and outcome.
	var nodesUpserted, relationsUpserted, patternsUpserted int
	for _, cluster := range clusters {
		extraction, err := c.extractInsights(ctx, cluster)
		if err != nil {
			return Report{}, fmt.Errorf("consolidator: extract insights: %w", err)
		}

		sources := map[string]bool{}
		for _, e := range cluster {
			sources[e.EpisodeID] = true
		}

		for _, entity := range extraction.Entities {
			node := graph.SemanticNode{
				Name:        entity.Name,
				NodeType:    graph.NodeType(entity.NodeType),
				Description: entity.Description,
				Importance:  entity.Importance,
				Sources:     sources,
			}
			if _, err := c.graph.UpsertNode(ctx, node); err != nil {
				return Report{}, fmt.Errorf("consolidator: upsert node %q: %w", entity.Name, err)
			}
			nodesUpserted++
		}

		for _, rel := range extraction.Relations {
			if _, err := c.graph.UpsertRelation(ctx, graph.Relation{
				SourceName:   rel.Source,
				RelationType: rel.Type,
				TargetName:   rel.Target,
				Strength:     rel.Strength,
			}); err != nil {
				return Report{}, fmt.Errorf("consolidator: upsert relation: %w", err)
			}
			relationsUpserted++
		}

		if err := c.upsertPattern(ctx, cluster, extraction); err != nil {
			return Report{}, fmt.Errorf("consolidator: upsert pattern: %w", err)
		}
		patternsUpserted++
	}

	// Step 6: generate reflections for failure episodes.
	var reflectionsMade int
	for _, e := range episodes {
		if !isFailure(e.Content) {
			continue
		}
		if err := c.generateReflection(ctx, e); err != nil {
			return Report{}, fmt.Errorf("consolidator: generate reflection: %w", err)
		}
		reflectionsMade++
	}

	// Step 7: archive.
	if err := c.episodes.Archive(ctx, runID, episodes); err != nil {
		return Report{}, fmt.Errorf("consolidator: archive episodes: %w", err)
	}

	// Step 8: report.
	return Report{
		RunID:             runID,
		EpisodesFetched:   len(episodes),
		ClustersFormed:    len(clusters),
		NodesUpserted:     nodesUpserted,
		RelationsUpserted: relationsUpserted,
		PatternsUpserted:  patternsUpserted,
		ReflectionsMade:   reflectionsMade,
		EpisodesArchived:  len(episodes),
		Duration:          time.Since(start),
	}, nil
}

func consolidatorLockResource(runID string) string { return "consolidator:" + runID }

// upsertPattern records the cluster as a use of its dominant task's
// recurring template, keyed by pattern.PatternID(taskType, outcome). The
// cluster's majority episode role stands in for taskType; whether at
// least half of the cluster's episodes read as failures stands in for
// outcome.
func (c *Consolidator) upsertPattern(ctx context.Context, cluster []episode.Episode, extraction llm.Extraction) error {
	taskType, succeeded := dominantTaskOutcome(cluster)
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}

	keyElements := make([]string, 0, len(extraction.Entities))
	for _, e := range extraction.Entities {
		keyElements = append(keyElements, e.Name)
	}

	_, err := c.patterns.Upsert(ctx, taskType, outcome, succeeded, keyElements, nil)
	return err
}

// dominantTaskOutcome returns the cluster's most common episode role and
// succeeded, which is true when fewer than half of its episodes read as
// failures.
func dominantTaskOutcome(cluster []episode.Episode) (taskType string, succeeded bool) {
	roleCounts := map[string]int{}
	var failures int
	for _, e := range cluster {
		roleCounts[e.Role]++
		if isFailure(e.Content) {
			failures++
		}
	}

	var best string
	var bestCount int
	for role, count := range roleCounts {
		if count > bestCount || (count == bestCount && role < best) {
			best, bestCount = role, count
		}
	}

	return best, failures*2 < len(cluster)
}

func (c *Consolidator) extractInsights(ctx context.Context, cluster []episode.Episode) (llm.Extraction, error) {
	prompt := buildExtractionPrompt(cluster)
	text, err := c.llm.Generate(ctx, prompt, 0.2, 1024)
	if err != nil {
		return llm.Extraction{}, err
	}
	extraction, ok := parseExtraction(text)
	if !ok {
		// Parse failure yields empty extraction, not an error.
		slog.Warn("consolidator: unparseable insight extraction output, using empty extraction", "output_len", len(text))
		return llm.Extraction{}, nil
	}
	return extraction, nil
}
