// Package graph implements the temporal knowledge graph: SemanticNode and
// Relation CRUD under the supersession protocol, breadth-first traversal,
// and weighted retrieval scoring. Like Blackboard, it is built entirely on
// the Store Adapter's KV/hash primitives: nodes and relations
// are JSON documents, and adjacency is tracked via per-entity hash
// indices so traversal never needs a full key scan.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feothyuth/claude-orchestrator/internal/retry"
	"github.com/feothyuth/claude-orchestrator/internal/store"
)

// NodeType is the closed set of semantic node kinds.
type NodeType string

const (
	NodeFile     NodeType = "file"
	NodeConcept  NodeType = "concept"
	NodeError    NodeType = "error"
	NodeDecision NodeType = "decision"
	NodePattern  NodeType = "pattern"
	NodeService  NodeType = "service"
	NodeUser     NodeType = "user"
)

// SemanticNode is a named unit of distilled knowledge.
type SemanticNode struct {
	Name         string          `json:"name"`
	NodeType     NodeType        `json:"node_type"`
	Description  string          `json:"description"`
	Importance   float64         `json:"importance"`
	Sources      map[string]bool `json:"sources"`
	Embedding    []float64       `json:"embedding,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastUpdated  time.Time       `json:"last_updated"`
	LastAccessed time.Time       `json:"last_accessed,omitempty"`
	AccessCount  int64           `json:"access_count"`
	ValidFrom    *time.Time      `json:"valid_from,omitempty"`
	ValidUntil   *time.Time      `json:"valid_until,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Relation is a directed, bi-temporal edge between two named nodes.
type Relation struct {
	ID           string          `json:"id"`
	SourceName   string          `json:"source_name"`
	RelationType string          `json:"relation_type"`
	TargetName   string          `json:"target_name"`
	Strength     float64         `json:"strength"`
	ValidFrom    time.Time       `json:"valid_from"`
	ValidUntil   *time.Time      `json:"valid_until,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Active reports whether the relation currently holds (not superseded or
// explicitly invalidated).
func (r Relation) Active() bool { return r.ValidUntil == nil }

// TraversalEdge is one relation discovered during a traverse call, tagged
// with the BFS depth at which it was reached.
type TraversalEdge struct {
	Relation Relation
	Depth    int
}

var (
	// ErrDimensionMismatch mirrors vector.ErrDimensionMismatch for scoring
	// calls that must fail fatally.
	ErrDimensionMismatch = errors.New("graph: embedding dimension mismatch")
	ErrNotFound          = errors.New("graph: not found")
)

const (
	prefixNode         = "graph:node:"
	prefixRelation     = "graph:rel:"
	prefixActivePtr    = "graph:relactive:"
	prefixEntityIndex  = "graph:byentity:"
)

func nodeKey(name string) string  { return prefixNode + name }
func relKey(id string) string     { return prefixRelation + id }
func activeKey(source, relType, target string) string {
	return prefixActivePtr + source + "|" + relType + "|" + target
}
func entityIndexKey(name string) string { return prefixEntityIndex + name }

// Graph is the temporal knowledge graph: semantic nodes and relations
// layered over a Store Adapter.
type Graph struct {
	store store.Adapter
	retry retry.Policy

	// nodeMu serializes read-modify-write sequences against a single node
	// (upsert merge, or read-then-bump access stats), since the Store
	// Adapter has no per-document compare-and-swap.
	nodeMu keyedMutex
}

// New wraps a Store Adapter with Memory Graph semantics.
func New(adapter store.Adapter) *Graph {
	return &Graph{store: adapter, nodeMu: newKeyedMutex()}
}

func (g *Graph) getNode(ctx context.Context, name string) (*SemanticNode, bool, error) {
	var raw []byte
	var found bool
	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		v, ok, err := g.store.Get(ctx, nodeKey(name))
		raw, found = v, ok
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("graph: read node %q: %w", name, err)
	}
	if !found {
		return nil, false, nil
	}
	var node SemanticNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, false, fmt.Errorf("graph: decode node %q: %w", name, err)
	}
	return &node, true, nil
}

func (g *Graph) putNode(ctx context.Context, node *SemanticNode) error {
	encoded, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("graph: encode node %q: %w", node.Name, err)
	}
	err = retry.Do(ctx, g.retry, func(ctx context.Context) error {
		return g.store.Set(ctx, nodeKey(node.Name), encoded, 0)
	})
	if err != nil {
		return fmt.Errorf("graph: write node %q: %w", node.Name, err)
	}
	return nil
}

// keyedMutex grants a per-key lock without a fixed key set, used to
// serialize node upserts/reads within a single process. Cross-process
// races are acceptable here: worst case is a lost-update on the merge,
// which a retried upsert from the losing caller's side self-heals (node
// merge is commutative in sources/importance).
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() keyedMutex {
	return keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
