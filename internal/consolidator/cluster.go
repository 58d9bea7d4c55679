package consolidator

import (
	"github.com/feothyuth/claude-orchestrator/internal/episode"
	"github.com/feothyuth/claude-orchestrator/internal/vector"
)

// clusterEpisodes groups episodes by a greedy seeded algorithm: iterate in
// order; the first unclustered episode becomes a seed; subsequent
// unclustered episodes within sim >= threshold join the seed's cluster
// until reaching maxSize. Clusters smaller than minSize are discarded
// unless the seed's importance >= singletonPromotion.
func clusterEpisodes(episodes []episode.Episode, threshold float64, maxSize, minSize int, singletonPromotion float64) [][]episode.Episode {
	used := make([]bool, len(episodes))
	var clusters [][]episode.Episode

	for i := range episodes {
		if used[i] {
			continue
		}
		seed := episodes[i]
		used[i] = true
		cluster := []episode.Episode{seed}

		for j := i + 1; j < len(episodes) && len(cluster) < maxSize; j++ {
			if used[j] {
				continue
			}
			sim, err := vector.Cosine(seed.Embedding, episodes[j].Embedding)
			if err != nil {
				continue
			}
			if sim >= threshold {
				cluster = append(cluster, episodes[j])
				used[j] = true
			}
		}

		if len(cluster) < minSize {
			seedImportance := 0.0
			if seed.Importance != nil {
				seedImportance = *seed.Importance
			}
			if seedImportance < singletonPromotion {
				continue
			}
		}

		clusters = append(clusters, cluster)
	}

	return clusters
}
