package graph

import (
	"context"
	"time"
)

// UpsertResult reports whether UpsertNode created a new node or merged
// into an existing one.
type UpsertResult string

const (
	Created UpsertResult = "created"
	Updated UpsertResult = "updated"
)

// UpsertNode creates or merges a SemanticNode, identified by Name. Merging
// an existing node unions Sources, takes max(Importance), overwrites
// Description when the new one is non-empty, and sets LastUpdated to now.
func (g *Graph) UpsertNode(ctx context.Context, node SemanticNode) (UpsertResult, error) {
	unlock := g.nodeMu.lock(node.Name)
	defer unlock()

	existing, found, err := g.getNode(ctx, node.Name)
	if err != nil {
		return "", err
	}

	now := time.Now()
	if !found {
		if node.Sources == nil {
			node.Sources = map[string]bool{}
		}
		node.CreatedAt = now
		node.LastUpdated = now
		if err := g.putNode(ctx, &node); err != nil {
			return "", err
		}
		return Created, nil
	}

	merged := *existing
	if merged.Sources == nil {
		merged.Sources = map[string]bool{}
	}
	for src := range node.Sources {
		merged.Sources[src] = true
	}
	if node.Importance > merged.Importance {
		merged.Importance = node.Importance
	}
	if node.Description != "" {
		merged.Description = node.Description
	}
	if len(node.Embedding) > 0 {
		merged.Embedding = node.Embedding
	}
	if node.Metadata != nil {
		merged.Metadata = node.Metadata
	}
	merged.LastUpdated = now

	if err := g.putNode(ctx, &merged); err != nil {
		return "", err
	}
	return Updated, nil
}

// GetNode returns the node by name without affecting its access stats.
func (g *Graph) GetNode(ctx context.Context, name string) (*SemanticNode, bool, error) {
	return g.getNode(ctx, name)
}

// InvalidateNode marks a node as no longer valid by setting ValidUntil to
// now. The node record is retained, not deleted (lifecycle note:
// relations are never physically deleted; nodes follow the same
// discipline once invalidated).
func (g *Graph) InvalidateNode(ctx context.Context, name string) error {
	unlock := g.nodeMu.lock(name)
	defer unlock()

	node, found, err := g.getNode(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	now := time.Now()
	node.ValidUntil = &now
	return g.putNode(ctx, node)
}

// touchAccess atomically (within-process) bumps LastAccessed/AccessCount
// on a read.
func (g *Graph) touchAccess(ctx context.Context, name string) {
	unlock := g.nodeMu.lock(name)
	defer unlock()

	node, found, err := g.getNode(ctx, name)
	if err != nil || !found {
		return
	}
	node.LastAccessed = time.Now()
	node.AccessCount++
	_ = g.putNode(ctx, node)
}
