package dedupe

import "sort"

// louvainCommunities runs modularity-maximizing community detection on the
// similarity-weighted pair graph. It performs repeated local-move passes
// followed by graph aggregation until modularity stops improving, the
// classic two-phase Louvain scheme. Nodes without edges come back as
// singletons.
//
// The boolean result is false when the routine cannot do better than the
// trivial all-singletons partition, in which case the caller falls back to
// connected components.
func louvainCommunities(pairs []Pair, n int) ([][]int, bool) {
	g := newWeightedGraph(pairs, n)
	if g.totalWeight == 0 {
		return nil, false
	}

	// community assignment of each original node
	assignment := make([]int, n)
	for i := range assignment {
		assignment[i] = i
	}

	improvedAny := false
	for {
		moved := g.localMove()
		if moved {
			improvedAny = true
		}

		// Map original nodes through this level's communities.
		compact := g.compactCommunities()
		for i := range assignment {
			assignment[i] = compact[g.community[assignment[i]]]
		}

		if !moved {
			break
		}
		g = g.aggregate(compact)
	}

	if !improvedAny {
		return nil, false
	}

	groups := make(map[int][]int)
	for node, c := range assignment {
		groups[c] = append(groups[c], node)
	}
	communities := make([][]int, 0, len(groups))
	for _, members := range groups {
		sort.Ints(members)
		communities = append(communities, members)
	}
	sort.Slice(communities, func(a, b int) bool {
		return communities[a][0] < communities[b][0]
	})
	return communities, true
}

// weightedGraph is the working graph for one Louvain level.
type weightedGraph struct {
	n           int
	edges       []map[int]float64 // adjacency with summed weights, no self loops
	selfLoops   []float64
	degree      []float64 // weighted degree including self loops (counted twice)
	totalWeight float64   // sum of all edge weights (m)
	community   []int
}

func newWeightedGraph(pairs []Pair, n int) *weightedGraph {
	g := &weightedGraph{
		n:         n,
		edges:     make([]map[int]float64, n),
		selfLoops: make([]float64, n),
		degree:    make([]float64, n),
		community: make([]int, n),
	}
	for i := 0; i < n; i++ {
		g.edges[i] = make(map[int]float64)
		g.community[i] = i
	}
	for _, p := range pairs {
		if p.I == p.J {
			g.selfLoops[p.I] += p.Score
			g.degree[p.I] += 2 * p.Score
			g.totalWeight += p.Score
			continue
		}
		g.edges[p.I][p.J] += p.Score
		g.edges[p.J][p.I] += p.Score
		g.degree[p.I] += p.Score
		g.degree[p.J] += p.Score
		g.totalWeight += p.Score
	}
	return g
}

// localMove greedily relocates nodes to the neighboring community with the
// highest modularity gain until a full sweep makes no move.
func (g *weightedGraph) localMove() bool {
	m2 := 2 * g.totalWeight
	communityDegree := make([]float64, g.n)
	for i := 0; i < g.n; i++ {
		communityDegree[g.community[i]] += g.degree[i]
	}

	movedAny := false
	for {
		movedThisSweep := false
		for node := 0; node < g.n; node++ {
			current := g.community[node]

			// Weight from node to each neighboring community.
			neighborWeight := make(map[int]float64)
			for neighbor, w := range g.edges[node] {
				neighborWeight[g.community[neighbor]] += w
			}

			communityDegree[current] -= g.degree[node]

			bestCommunity := current
			bestGain := neighborWeight[current] - communityDegree[current]*g.degree[node]/m2
			for c, w := range neighborWeight {
				if c == current {
					continue
				}
				gain := w - communityDegree[c]*g.degree[node]/m2
				if gain > bestGain+1e-12 {
					bestGain = gain
					bestCommunity = c
				}
			}

			communityDegree[bestCommunity] += g.degree[node]
			if bestCommunity != current {
				g.community[node] = bestCommunity
				movedThisSweep = true
				movedAny = true
			}
		}
		if !movedThisSweep {
			break
		}
	}
	return movedAny
}

// compactCommunities renumbers community labels to 0..k-1.
func (g *weightedGraph) compactCommunities() map[int]int {
	compact := make(map[int]int)
	for _, c := range g.community {
		if _, ok := compact[c]; !ok {
			compact[c] = len(compact)
		}
	}
	return compact
}

// aggregate collapses each community into a single node for the next level.
func (g *weightedGraph) aggregate(compact map[int]int) *weightedGraph {
	next := &weightedGraph{
		n:           len(compact),
		edges:       make([]map[int]float64, len(compact)),
		selfLoops:   make([]float64, len(compact)),
		degree:      make([]float64, len(compact)),
		community:   make([]int, len(compact)),
		totalWeight: g.totalWeight,
	}
	for i := 0; i < next.n; i++ {
		next.edges[i] = make(map[int]float64)
		next.community[i] = i
	}
	for node := 0; node < g.n; node++ {
		cn := compact[g.community[node]]
		next.selfLoops[cn] += g.selfLoops[node]
		next.degree[cn] += 2 * g.selfLoops[node]
		for neighbor, w := range g.edges[node] {
			cm := compact[g.community[neighbor]]
			if cn == cm {
				// Each intra-community edge visited from both ends.
				next.selfLoops[cn] += w / 2
				next.degree[cn] += w
			} else {
				next.edges[cn][cm] += w
				next.degree[cn] += w
			}
		}
	}
	return next
}
