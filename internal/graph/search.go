package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/feothyuth/claude-orchestrator/internal/retry"
	"github.com/feothyuth/claude-orchestrator/internal/vector"
)

// ScoreWeights are the retrieval score's term weights (default:
// 0.5/0.3/0.2 for relevance/importance/recency).
type ScoreWeights struct {
	Relevance  float64
	Importance float64
	Recency    float64
}

// DefaultWeights are the retrieval score's default term weights.
var DefaultWeights = ScoreWeights{Relevance: 0.5, Importance: 0.3, Recency: 0.2}

// RecencyDecayRate is λ in exp(-λ·Δt), Δt in hours.
const RecencyDecayRate = 0.995

// Scored pairs a node with its retrieval score.
type Scored struct {
	Node  SemanticNode
	Score float64
}

// Search ranks nodes by retrieval score against queryEmbedding, optionally
// filtered to a single NodeType, returning the top `limit` results
// descending by score. Each returned node has its access stats bumped
// (reading updates last_accessed/access_count).
func (g *Graph) Search(ctx context.Context, queryEmbedding []float64, limit int, filterType *NodeType) ([]Scored, error) {
	var names []string
	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		ks, err := g.store.Keys(ctx, prefixNode+"*")
		names = ks
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("graph: list nodes: %w", err)
	}

	now := time.Now()
	var results []Scored
	for _, key := range names {
		name := strings.TrimPrefix(key, prefixNode)
		node, found, err := g.getNode(ctx, name)
		if err != nil || !found {
			continue
		}
		if node.ValidUntil != nil {
			continue
		}
		if filterType != nil && node.NodeType != *filterType {
			continue
		}

		score, err := retrievalScore(node, queryEmbedding, now, DefaultWeights)
		if err != nil {
			return nil, err
		}
		results = append(results, Scored{Node: *node, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	for i := range results {
		g.touchAccess(ctx, results[i].Node.Name)
	}
	return results, nil
}

// retrievalScore computes S = w_rel·Relevance + w_imp·Importance +
// w_rec·Recency. Recency uses last_accessed if set, else
// created_at, so a never-read node still decays from creation.
func retrievalScore(node *SemanticNode, queryEmbedding []float64, now time.Time, w ScoreWeights) (float64, error) {
	var relevance float64
	if len(queryEmbedding) > 0 && len(node.Embedding) > 0 {
		sim, err := vector.Cosine(queryEmbedding, node.Embedding)
		if err != nil {
			return 0, ErrDimensionMismatch
		}
		relevance = sim
	}

	reference := node.LastAccessed
	if reference.IsZero() {
		reference = node.CreatedAt
	}
	deltaHours := now.Sub(reference).Hours()
	if deltaHours < 0 {
		deltaHours = 0
	}
	recency := math.Exp(-RecencyDecayRate * deltaHours)

	score := w.Relevance*relevance + w.Importance*node.Importance + w.Recency*recency
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score, nil
}

// lexicalOverlap is the hybrid-search keyword term: fraction of query
// tokens that appear in the node's name+description, case-insensitive,
// used as a fallback signal when no embedding is available.
func lexicalOverlap(query string, node *SemanticNode) float64 {
	qTokens := strings.Fields(strings.ToLower(query))
	if len(qTokens) == 0 {
		return 0
	}
	haystack := strings.ToLower(node.Name + " " + node.Description)
	var hits int
	for _, tok := range qTokens {
		if strings.Contains(haystack, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(qTokens))
}

// HybridSearch layers a lexical keyword fallback onto vector-nearest
// retrieval score, deduplicated by node identity: a node with no embedding
// has lexicalOverlap stand in for its Relevance term, while a node with an
// embedding keeps its cosine-based score untouched. Use this when the
// caller has a query string but no embedding, or wants graceful retrieval
// for a corpus with a thin embedding index.
func (g *Graph) HybridSearch(ctx context.Context, query string, queryEmbedding []float64, limit int, filterType *NodeType) ([]Scored, error) {
	vectorResults, err := g.Search(ctx, queryEmbedding, 0, filterType)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*Scored, len(vectorResults))
	for i := range vectorResults {
		byName[vectorResults[i].Node.Name] = &vectorResults[i]
	}
	for name, scored := range byName {
		// Search already scored relevance=0 for an embeddingless node, so
		// lexical overlap steps into that term rather than stacking onto
		// a cosine score that already covers relevance.
		if len(scored.Node.Embedding) == 0 {
			scored.Score += DefaultWeights.Relevance * lexicalOverlap(query, &scored.Node)
		}
		byName[name] = scored
	}

	combined := make([]Scored, 0, len(byName))
	for _, s := range byName {
		combined = append(combined, *s)
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].Score > combined[j].Score })
	if limit > 0 && len(combined) > limit {
		combined = combined[:limit]
	}
	return combined, nil
}

// GetSimilarPatterns is Search restricted to pattern-typed nodes, matching
// the context string via its embedding.
func (g *Graph) GetSimilarPatterns(ctx context.Context, contextEmbedding []float64, limit int) ([]Scored, error) {
	patternType := NodePattern
	return g.Search(ctx, contextEmbedding, limit, &patternType)
}
