package dedupe

import (
	"math/rand/v2"
	"sort"
)

// lshIndex is a random-hyperplane locality-sensitive hash over unit
// vectors. A pair of items is a candidate duplicate when their sign
// patterns collide in at least one table; candidates are verified with
// exact cosine similarity by the caller.
type lshIndex struct {
	dim         int
	numTables   int
	numBits     int
	hyperplanes [][][]float32 // [table][bit][dim]
	tables      []map[uint64][]int
}

func newLSHIndex(dim, numTables, numBits int) *lshIndex {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	return newLSHIndexWithSource(dim, numTables, numBits, rng)
}

func newLSHIndexWithSource(dim, numTables, numBits int, rng *rand.Rand) *lshIndex {
	idx := &lshIndex{
		dim:       dim,
		numTables: numTables,
		numBits:   numBits,
	}
	idx.hyperplanes = make([][][]float32, numTables)
	idx.tables = make([]map[uint64][]int, numTables)
	for t := 0; t < numTables; t++ {
		planes := make([][]float32, numBits)
		for b := 0; b < numBits; b++ {
			plane := make([]float32, dim)
			for d := 0; d < dim; d++ {
				plane[d] = float32(rng.NormFloat64())
			}
			planes[b] = plane
		}
		idx.hyperplanes[t] = planes
		idx.tables[t] = make(map[uint64][]int)
	}
	return idx
}

// Add hashes every vector into all tables.
func (l *lshIndex) Add(vectors [][]float32) {
	for i, v := range vectors {
		for t := 0; t < l.numTables; t++ {
			h := l.hash(v, t)
			l.tables[t][h] = append(l.tables[t][h], i)
		}
	}
}

// hash computes the sign pattern of the vector against the table's
// hyperplanes, packed into an integer.
func (l *lshIndex) hash(v []float32, table int) uint64 {
	var h uint64
	for b, plane := range l.hyperplanes[table] {
		if dot(plane, v) > 0 {
			h |= 1 << uint(b)
		}
	}
	return h
}

// CandidatePairs returns every (i, j) with i < j sharing at least one
// bucket in any table, deduplicated and sorted for stable iteration.
func (l *lshIndex) CandidatePairs() [][2]int {
	seen := make(map[[2]int]struct{})
	for _, table := range l.tables {
		for _, bucket := range table {
			if len(bucket) < 2 {
				continue
			}
			sorted := append([]int(nil), bucket...)
			sort.Ints(sorted)
			for i := 0; i < len(sorted); i++ {
				for j := i + 1; j < len(sorted); j++ {
					seen[[2]int{sorted[i], sorted[j]}] = struct{}{}
				}
			}
		}
	}

	pairs := make([][2]int, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a][0] != pairs[b][0] {
			return pairs[a][0] < pairs[b][0]
		}
		return pairs[a][1] < pairs[b][1]
	})
	return pairs
}
