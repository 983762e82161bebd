// Package dedupe implements the iterative deduplication engine: similarity
// search, clustering, hierarchical LLM merging and the iteration driver.
package dedupe

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/blockify-ai/distillery/pkg/config"
)

// Pair is a candidate duplicate: positions i < j with cosine similarity
// Score at or above the query threshold.
type Pair struct {
	I     int
	J     int
	Score float64
}

// FindSimilarPairs returns every deduplicated pair (i<j) whose cosine
// similarity meets threshold, sorted by descending similarity. Vectors are
// normalized before comparison, so unnormalized input is accepted.
//
// Small inputs use the dense upper-triangle computation; at or above
// cfg.LSHMinItems a random-hyperplane LSH index generates candidates that
// are then verified exactly, with each position capped to its
// cfg.MaxSimilarityNeighbors best partners.
func FindSimilarPairs(ctx context.Context, vectors [][]float32, threshold float64, cfg config.AlgorithmConfig) ([]Pair, error) {
	n := len(vectors)
	if n < 2 {
		return nil, nil
	}

	normalized := normalizeAll(vectors)

	if cfg.UseLSH && n >= cfg.LSHMinItems {
		slog.Debug("Using LSH similarity search", "n", n, "threshold", threshold)
		return findSimilarPairsLSH(ctx, normalized, threshold, cfg)
	}
	slog.Debug("Using dense similarity search", "n", n, "threshold", threshold)
	return findSimilarPairsDense(ctx, normalized, threshold, cfg.SimilarityParallel)
}

// findSimilarPairsDense scans the full upper triangle, parallelized over
// row chunks.
func findSimilarPairsDense(ctx context.Context, vectors [][]float32, threshold float64, parallel int) ([]Pair, error) {
	n := len(vectors)
	if parallel < 1 {
		parallel = 1
	}
	chunkSize := (n + parallel - 1) / parallel

	var mu sync.Mutex
	var pairs []Pair

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		g.Go(func() error {
			var local []Pair
			for i := start; i < end; i++ {
				for j := i + 1; j < n; j++ {
					if s := dot(vectors[i], vectors[j]); s >= threshold {
						local = append(local, Pair{I: i, J: j, Score: s})
					}
				}
			}
			mu.Lock()
			pairs = append(pairs, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortPairs(pairs)
	return pairs, nil
}

// findSimilarPairsLSH generates candidate pairs from hash-bucket
// collisions and verifies them with exact cosine similarity in parallel
// chunks.
func findSimilarPairsLSH(ctx context.Context, vectors [][]float32, threshold float64, cfg config.AlgorithmConfig) ([]Pair, error) {
	idx := newLSHIndex(len(vectors[0]), cfg.LSHTables, cfg.LSHBits)
	idx.Add(vectors)
	candidates := idx.CandidatePairs()

	n := len(vectors)
	slog.Debug("LSH candidate generation",
		"n", n, "candidates", len(candidates))

	if len(candidates) == 0 {
		return nil, nil
	}

	parallel := cfg.SimilarityParallel
	if parallel < 1 {
		parallel = 1
	}
	chunkSize := (len(candidates) + parallel - 1) / parallel

	var mu sync.Mutex
	var pairs []Pair

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for start := 0; start < len(candidates); start += chunkSize {
		end := min(start+chunkSize, len(candidates))
		chunk := candidates[start:end]
		g.Go(func() error {
			var local []Pair
			for _, c := range chunk {
				if s := dot(vectors[c[0]], vectors[c[1]]); s >= threshold {
					local = append(local, Pair{I: c[0], J: c[1], Score: s})
				}
			}
			mu.Lock()
			pairs = append(pairs, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortPairs(pairs)
	return capNeighbors(pairs, cfg.MaxSimilarityNeighbors), nil
}

// capNeighbors limits each position to its k best-scoring partners. A
// pair survives when either endpoint still has capacity, mirroring a
// k-NN search that can discover the pair from both sides. Pairs must be
// sorted by descending score.
func capNeighbors(pairs []Pair, k int) []Pair {
	if k <= 0 {
		return pairs
	}
	counts := make(map[int]int)
	kept := pairs[:0:0]
	for _, p := range pairs {
		if counts[p.I] < k || counts[p.J] < k {
			kept = append(kept, p)
			counts[p.I]++
			counts[p.J]++
		}
	}
	return kept
}

// sortPairs orders by descending similarity, then by (i, j) so equal
// scores produce a stable log order.
func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].Score != pairs[b].Score {
			return pairs[a].Score > pairs[b].Score
		}
		if pairs[a].I != pairs[b].I {
			return pairs[a].I < pairs[b].I
		}
		return pairs[a].J < pairs[b].J
	})
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func normalizeAll(vectors [][]float32) [][]float32 {
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		out[i] = normalize(v)
	}
	return out
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	// Already unit norm within tolerance: reuse as-is.
	if sum > 0.9999 && sum < 1.0001 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
