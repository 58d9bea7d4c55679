package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/feothyuth/claude-orchestrator/internal/retry"
)

// relMu serializes the read-check-write sequence of the supersession
// protocol for a single (source, type, target) triple.
var relMu = newKeyedMutex()

// UpsertRelation applies the supersession protocol: if an
// active record already exists for (SourceName, RelationType, TargetName),
// it is closed (ValidUntil := now) and a new active record is inserted
// with the given strength/metadata; otherwise a fresh active record is
// created.
func (g *Graph) UpsertRelation(ctx context.Context, rel Relation) (Relation, error) {
	triple := activeKey(rel.SourceName, rel.RelationType, rel.TargetName)
	unlock := relMu.lock(triple)
	defer unlock()

	now := time.Now()
	if existingID, found, err := g.getActivePointer(ctx, triple); err != nil {
		return Relation{}, err
	} else if found {
		if err := g.closeRelation(ctx, existingID, now); err != nil {
			return Relation{}, err
		}
	}

	rel.ID = uuid.NewString()
	if rel.ValidFrom.IsZero() {
		rel.ValidFrom = now
	}
	rel.ValidUntil = nil

	if err := g.putRelation(ctx, &rel); err != nil {
		return Relation{}, err
	}
	if err := g.setActivePointer(ctx, triple, rel.ID); err != nil {
		return Relation{}, err
	}
	if err := g.indexRelation(ctx, rel); err != nil {
		return Relation{}, err
	}

	return rel, nil
}

// InvalidateRelation closes the currently active (source, type, target)
// record if one exists, returning whether anything was closed.
func (g *Graph) InvalidateRelation(ctx context.Context, source, relType, target string) (bool, error) {
	triple := activeKey(source, relType, target)
	unlock := relMu.lock(triple)
	defer unlock()

	existingID, found, err := g.getActivePointer(ctx, triple)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if err := g.closeRelation(ctx, existingID, time.Now()); err != nil {
		return false, err
	}
	err = retry.Do(ctx, g.retry, func(ctx context.Context) error {
		_, err := g.store.Del(ctx, triple)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("graph: clear active pointer: %w", err)
	}
	return true, nil
}

func (g *Graph) closeRelation(ctx context.Context, id string, at time.Time) error {
	rel, found, err := g.getRelation(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rel.ValidUntil = &at
	return g.putRelation(ctx, rel)
}

func (g *Graph) getActivePointer(ctx context.Context, triple string) (string, bool, error) {
	var raw []byte
	var found bool
	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		v, ok, err := g.store.Get(ctx, triple)
		raw, found = v, ok
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("graph: read active pointer: %w", err)
	}
	if !found {
		return "", false, nil
	}
	return string(raw), true, nil
}

func (g *Graph) setActivePointer(ctx context.Context, triple, id string) error {
	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		return g.store.Set(ctx, triple, []byte(id), 0)
	})
	if err != nil {
		return fmt.Errorf("graph: write active pointer: %w", err)
	}
	return nil
}

func (g *Graph) getRelation(ctx context.Context, id string) (*Relation, bool, error) {
	var raw []byte
	var found bool
	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		v, ok, err := g.store.Get(ctx, relKey(id))
		raw, found = v, ok
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("graph: read relation %q: %w", id, err)
	}
	if !found {
		return nil, false, nil
	}
	var rel Relation
	if err := json.Unmarshal(raw, &rel); err != nil {
		return nil, false, fmt.Errorf("graph: decode relation %q: %w", id, err)
	}
	return &rel, true, nil
}

func (g *Graph) putRelation(ctx context.Context, rel *Relation) error {
	encoded, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("graph: encode relation %q: %w", rel.ID, err)
	}
	err = retry.Do(ctx, g.retry, func(ctx context.Context) error {
		return g.store.Set(ctx, relKey(rel.ID), encoded, 0)
	})
	if err != nil {
		return fmt.Errorf("graph: write relation %q: %w", rel.ID, err)
	}
	return nil
}

// indexRelation registers rel's id under both endpoints' adjacency hashes
// so Traverse can find candidate edges without scanning every relation.
func (g *Graph) indexRelation(ctx context.Context, rel Relation) error {
	fields := map[string]string{rel.ID: ""}
	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		return g.store.HashPut(ctx, entityIndexKey(rel.SourceName), fields)
	})
	if err != nil {
		return fmt.Errorf("graph: index relation by source: %w", err)
	}
	err = retry.Do(ctx, g.retry, func(ctx context.Context) error {
		return g.store.HashPut(ctx, entityIndexKey(rel.TargetName), fields)
	})
	if err != nil {
		return fmt.Errorf("graph: index relation by target: %w", err)
	}
	return nil
}

// Traverse performs a breadth-first walk over active relations in either
// direction out to depth (clamped to [1,3]), returning every
// distinct relation encountered tagged with the depth at which it was
// first reached.
func (g *Graph) Traverse(ctx context.Context, entityName string, depth int) ([]TraversalEdge, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}

	visitedNodes := map[string]bool{entityName: true}
	visitedRels := map[string]bool{}
	var edges []TraversalEdge

	frontier := []string{entityName}
	for d := 1; d <= depth; d++ {
		var next []string
		for _, name := range frontier {
			var relIDs map[string]string
			err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
				ids, err := g.store.HashGetAll(ctx, entityIndexKey(name))
				relIDs = ids
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("graph: read adjacency for %q: %w", name, err)
			}
			for id := range relIDs {
				if visitedRels[id] {
					continue
				}
				rel, found, err := g.getRelation(ctx, id)
				if err != nil {
					return nil, err
				}
				if !found || !rel.Active() {
					continue
				}
				visitedRels[id] = true
				edges = append(edges, TraversalEdge{Relation: *rel, Depth: d})

				other := rel.TargetName
				if other == name {
					other = rel.SourceName
				}
				if !visitedNodes[other] {
					visitedNodes[other] = true
					next = append(next, other)
				}
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}

	return edges, nil
}
