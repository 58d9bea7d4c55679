package reflection_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feothyuth/claude-orchestrator/internal/reflection"
	"github.com/feothyuth/claude-orchestrator/internal/store/litestore"
)

func newTestStore(t *testing.T) *reflection.Store {
	t.Helper()
	adapter, err := litestore.New(context.Background(), litestore.Config{
		Path:            ":memory:",
		PollInterval:    5 * time.Millisecond,
		ChangeRetention: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return reflection.New(adapter)
}

func TestPutAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := reflection.Reflection{
		ReflectionID:   "r1",
		Context:        "deploy step failed",
		ErrorOrOutcome: "timeout",
		Insight:        "retry with backoff",
		PreventionPlan: "add retry policy",
	}
	require.NoError(t, s.Put(ctx, r))

	got, found, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "retry with backoff", got.Insight)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetIncrementsTimesReferenced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, reflection.Reflection{ReflectionID: "r1"}))

	first, _, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.TimesReferenced)

	second, _, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, second.TimesReferenced)
}

func TestSearchSimilarOrdersByCosineSimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, reflection.Reflection{ReflectionID: "close", Embedding: []float64{1, 0}}))
	require.NoError(t, s.Put(ctx, reflection.Reflection{ReflectionID: "far", Embedding: []float64{0, 1}}))

	results, err := s.SearchSimilar(ctx, []float64{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "close", results[0].ReflectionID)
	assert.Equal(t, "far", results[1].ReflectionID)
}

func TestSearchSimilarRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, reflection.Reflection{ReflectionID: "a", Embedding: []float64{1, 0}}))
	require.NoError(t, s.Put(ctx, reflection.Reflection{ReflectionID: "b", Embedding: []float64{0.9, 0.1}}))

	results, err := s.SearchSimilar(ctx, []float64{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearchSimilarExcludesArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, reflection.Reflection{ReflectionID: "a", Embedding: []float64{1, 0}, Archived: true}))

	results, err := s.SearchSimilar(ctx, []float64{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}
