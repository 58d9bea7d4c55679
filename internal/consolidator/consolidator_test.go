package consolidator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feothyuth/claude-orchestrator/internal/blackboard"
	"github.com/feothyuth/claude-orchestrator/internal/episode"
	"github.com/feothyuth/claude-orchestrator/internal/graph"
	"github.com/feothyuth/claude-orchestrator/internal/llm"
	"github.com/feothyuth/claude-orchestrator/internal/pattern"
	"github.com/feothyuth/claude-orchestrator/internal/reflection"
	"github.com/feothyuth/claude-orchestrator/internal/store/litestore"
)

func newTestConsolidator(t *testing.T) (*Consolidator, *episode.Log) {
	t.Helper()
	adapter, err := litestore.New(context.Background(), litestore.Config{
		Path:            ":memory:",
		PollInterval:    5 * time.Millisecond,
		ChangeRetention: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	episodes := episode.New(adapter)
	g := graph.New(adapter)
	bb := blackboard.New(adapter)
	reflections := reflection.New(adapter)
	patterns := pattern.New(adapter)
	client := llm.NewFake(8)

	return New(episodes, g, client, bb, reflections, patterns), episodes
}

func TestConsolidateNoOpOnEmptyActiveLog(t *testing.T) {
	c, _ := newTestConsolidator(t)
	report, err := c.Consolidate(context.Background(), "run1")
	require.NoError(t, err)
	assert.True(t, report.SkippedNoOp)
}

func TestConsolidateExtractsNodesAndArchives(t *testing.T) {
	c, episodes := newTestConsolidator(t)
	ctx := context.Background()

	client := c.llm.(*llm.Fake)
	client.GenerateFunc = func(prompt string) string {
		return `{"entities":[{"name":"auth-service","node_type":"service","description":"handles login","importance":0.6}],"relations":[{"source":"auth-service","type":"depends_on","target":"db","strength":0.8}]}`
	}

	_, err := episodes.Record(ctx, "run1", 1, "agent", "deployed the auth service successfully")
	require.NoError(t, err)

	report, err := c.Consolidate(ctx, "run1")
	require.NoError(t, err)
	assert.False(t, report.SkippedNoOp)
	assert.Equal(t, 1, report.EpisodesFetched)
	assert.Equal(t, 1, report.ClustersFormed)
	assert.Equal(t, 1, report.NodesUpserted)
	assert.Equal(t, 1, report.RelationsUpserted)
	assert.Equal(t, 1, report.PatternsUpserted)
	assert.Equal(t, 1, report.EpisodesArchived)

	node, found, err := c.graph.GetNode(ctx, "auth-service")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "handles login", node.Description)

	active, err := episodes.ListActive(ctx, "run1")
	require.NoError(t, err)
	assert.Empty(t, active)

	p, found, err := c.patterns.Get(ctx, pattern.PatternID("agent", "success"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), p.TimesUsed)
}

func TestConsolidateGeneratesReflectionForFailureEpisodes(t *testing.T) {
	c, episodes := newTestConsolidator(t)
	ctx := context.Background()

	_, err := episodes.Record(ctx, "run1", 1, "agent", "deployment failed with a timeout error")
	require.NoError(t, err)

	report, err := c.Consolidate(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReflectionsMade)
}

func TestConsolidateIsIdempotentOnSecondRun(t *testing.T) {
	c, episodes := newTestConsolidator(t)
	ctx := context.Background()

	_, err := episodes.Record(ctx, "run1", 1, "agent", "normal step without issue")
	require.NoError(t, err)

	first, err := c.Consolidate(ctx, "run1")
	require.NoError(t, err)
	assert.False(t, first.SkippedNoOp)

	second, err := c.Consolidate(ctx, "run1")
	require.NoError(t, err)
	assert.True(t, second.SkippedNoOp)
}

func TestClusterEpisodesGroupsBySimilarityThreshold(t *testing.T) {
	episodes := []episode.Episode{
		{EpisodeID: "1", Embedding: []float64{1, 0}},
		{EpisodeID: "2", Embedding: []float64{1, 0}},
		{EpisodeID: "3", Embedding: []float64{0, 1}},
	}
	clusters := clusterEpisodes(episodes, 0.9, 10, 1, 0.7)
	require.Len(t, clusters, 2)
	assert.Len(t, clusters[0], 2)
	assert.Len(t, clusters[1], 1)
}

func TestClusterEpisodesDiscardsSmallClusterBelowPromotionThreshold(t *testing.T) {
	low := 0.1
	episodes := []episode.Episode{
		{EpisodeID: "1", Embedding: []float64{1, 0}, Importance: &low},
		{EpisodeID: "2", Embedding: []float64{0, 1}, Importance: &low},
	}
	clusters := clusterEpisodes(episodes, 0.9, 10, 2, 0.7)
	assert.Empty(t, clusters)
}

func TestClusterEpisodesPromotesSingletonAboveThreshold(t *testing.T) {
	high := 0.9
	episodes := []episode.Episode{
		{EpisodeID: "1", Embedding: []float64{1, 0}, Importance: &high},
	}
	clusters := clusterEpisodes(episodes, 0.9, 10, 2, 0.7)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0], 1)
}

func TestClusterEpisodesRespectsMaxSize(t *testing.T) {
	episodes := make([]episode.Episode, 5)
	for i := range episodes {
		episodes[i] = episode.Episode{EpisodeID: string(rune('a' + i)), Embedding: []float64{1, 0}}
	}
	clusters := clusterEpisodes(episodes, 0.9, 2, 1, 0.7)
	require.Len(t, clusters, 3)
	assert.Len(t, clusters[0], 2)
}

func TestIsFailureDetectsKeywords(t *testing.T) {
	assert.True(t, isFailure("an Exception was raised"))
	assert.True(t, isFailure("build FAILED"))
	assert.False(t, isFailure("everything completed normally"))
}

func TestParseExtractionHandlesMalformedJSON(t *testing.T) {
	_, ok := parseExtraction("not json")
	assert.False(t, ok)
}
