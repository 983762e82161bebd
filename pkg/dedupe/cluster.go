package dedupe

import (
	"log/slog"
	"sort"
)

// Cluster partitions positions 0..n-1 into disjoint clusters from the
// similarity pairs. Positions untouched by any pair become singleton
// clusters, which downstream processing skips.
//
// Small graphs use BFS connected components; once the number of distinct
// endpoints reaches cfg (louvainThreshold) the similarity-weighted Louvain
// community detection is used instead, falling back to components when it
// cannot improve on the trivial partition.
func Cluster(pairs []Pair, n int, louvainThreshold int) [][]int {
	if len(pairs) == 0 {
		clusters := make([][]int, n)
		for i := 0; i < n; i++ {
			clusters[i] = []int{i}
		}
		return clusters
	}

	endpoints := make(map[int]struct{}, 2*len(pairs))
	for _, p := range pairs {
		endpoints[p.I] = struct{}{}
		endpoints[p.J] = struct{}{}
	}

	if louvainThreshold > 0 && len(endpoints) >= louvainThreshold {
		slog.Debug("Using Louvain community detection", "nodes", len(endpoints))
		if communities, ok := louvainCommunities(pairs, n); ok {
			return communities
		}
		slog.Warn("Louvain clustering failed, falling back to connected components")
	}
	return connectedComponents(pairs, n)
}

// connectedComponents builds clusters by BFS over the undirected pair
// graph. Deterministic for a stable pair list: components are emitted in
// order of their smallest member.
func connectedComponents(pairs []Pair, n int) [][]int {
	adjacency := make(map[int][]int)
	for _, p := range pairs {
		adjacency[p.I] = append(adjacency[p.I], p.J)
		adjacency[p.J] = append(adjacency[p.J], p.I)
	}

	visited := make([]bool, n)
	var clusters [][]int

	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		var cluster []int
		queue := []int{i}
		visited[i] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			cluster = append(cluster, node)
			for _, neighbor := range adjacency[node] {
				if !visited[neighbor] {
					visited[neighbor] = true
					queue = append(queue, neighbor)
				}
			}
		}
		sort.Ints(cluster)
		clusters = append(clusters, cluster)
	}
	return clusters
}
