package dedupe

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockify-ai/distillery/pkg/config"
)

func algoConfig() config.AlgorithmConfig {
	return config.AlgorithmConfig{
		MaxBlocksPerCluster:              20,
		MaxClusterSizeLLM:                20,
		MaxRecursionDepth:                10,
		LLMParallel:                      4,
		SimilarityParallel:               4,
		UseLSH:                           true,
		LSHMinItems:                      50,
		MaxSimilarityNeighbors:           50,
		LSHTables:                        10,
		LSHBits:                          8,
		SimilarityIncreasePerIteration:   0.01,
		SimilarityIncreaseStartIteration: 2,
		MaxSimilarityThreshold:           0.98,
		LouvainNodeThreshold:             1000,
		SaveIntermediate:                 true,
	}
}

func TestFindSimilarPairs_Dense(t *testing.T) {
	vectors := [][]float32{
		{1, 0, 0},
		{0.99, 0.14, 0}, // close to vector 0
		{0, 1, 0},       // orthogonal
		{1, 0, 0},       // identical to vector 0
	}

	pairs, err := FindSimilarPairs(context.Background(), vectors, 0.9, algoConfig())
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	// Sorted by descending similarity: the identical pair first.
	assert.Equal(t, 0, pairs[0].I)
	assert.Equal(t, 3, pairs[0].J)
	assert.InDelta(t, 1.0, pairs[0].Score, 1e-6)

	for _, p := range pairs {
		assert.Less(t, p.I, p.J)
		assert.GreaterOrEqual(t, p.Score, 0.9)
	}
}

func TestFindSimilarPairs_FewerThanTwoVectors(t *testing.T) {
	pairs, err := FindSimilarPairs(context.Background(), nil, 0.5, algoConfig())
	require.NoError(t, err)
	assert.Empty(t, pairs)

	pairs, err = FindSimilarPairs(context.Background(), [][]float32{{1, 0}}, 0.5, algoConfig())
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestFindSimilarPairs_NormalizesInput(t *testing.T) {
	// Same direction, different magnitudes: cosine similarity is 1.
	vectors := [][]float32{
		{2, 0},
		{7, 0},
	}
	pairs, err := FindSimilarPairs(context.Background(), vectors, 0.99, algoConfig())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.InDelta(t, 1.0, pairs[0].Score, 1e-6)
}

func TestFindSimilarPairs_LSHFindsIdenticalVectors(t *testing.T) {
	cfg := algoConfig()
	cfg.LSHMinItems = 10

	// 60 random unit vectors plus two identical ones. Identical vectors
	// share every hash, so LSH must always surface the planted pair.
	rng := rand.New(rand.NewPCG(7, 11))
	vectors := make([][]float32, 0, 62)
	for i := 0; i < 60; i++ {
		vectors = append(vectors, randomUnitVector(rng, 16))
	}
	planted := randomUnitVector(rng, 16)
	dup := append([]float32(nil), planted...)
	vectors = append(vectors, planted, dup)

	pairs, err := FindSimilarPairs(context.Background(), vectors, 0.999, cfg)
	require.NoError(t, err)

	found := false
	for _, p := range pairs {
		if p.I == 60 && p.J == 61 {
			found = true
			assert.InDelta(t, 1.0, p.Score, 1e-5)
		}
	}
	assert.True(t, found, "planted identical pair not found by LSH")
}

func TestFindSimilarPairs_LSHPairsAreSubsetOfDense(t *testing.T) {
	lshCfg := algoConfig()
	lshCfg.LSHMinItems = 10

	denseCfg := algoConfig()
	denseCfg.UseLSH = false

	rng := rand.New(rand.NewPCG(3, 5))
	vectors := make([][]float32, 80)
	for i := range vectors {
		vectors[i] = randomUnitVector(rng, 8)
	}

	densePairs, err := FindSimilarPairs(context.Background(), vectors, 0.8, denseCfg)
	require.NoError(t, err)
	lshPairs, err := FindSimilarPairs(context.Background(), vectors, 0.8, lshCfg)
	require.NoError(t, err)

	dense := make(map[[2]int]bool, len(densePairs))
	for _, p := range densePairs {
		dense[[2]int{p.I, p.J}] = true
	}
	for _, p := range lshPairs {
		assert.True(t, dense[[2]int{p.I, p.J}],
			"LSH produced pair (%d,%d) the dense scan did not", p.I, p.J)
	}
}

func TestCapNeighbors(t *testing.T) {
	pairs := []Pair{
		{I: 0, J: 2, Score: 0.99},
		{I: 1, J: 3, Score: 0.98},
		{I: 0, J: 1, Score: 0.90},
	}

	// k=0 disables the cap.
	assert.Len(t, capNeighbors(pairs, 0), 3)

	// With k=1 every endpoint of the last pair is already saturated by a
	// higher-scoring partner, so only the first two survive.
	capped := capNeighbors(pairs, 1)
	require.Len(t, capped, 2)
	assert.Equal(t, Pair{I: 0, J: 2, Score: 0.99}, capped[0])
	assert.Equal(t, Pair{I: 1, J: 3, Score: 0.98}, capped[1])

	// A pair is kept while either endpoint has capacity.
	oneSided := []Pair{
		{I: 0, J: 1, Score: 0.99},
		{I: 0, J: 2, Score: 0.95},
	}
	assert.Len(t, capNeighbors(oneSided, 1), 2)
}

func TestDot(t *testing.T) {
	assert.InDelta(t, 11.0, dot([]float32{1, 2}, []float32{3, 4}), 1e-9)
	assert.Zero(t, dot([]float32{1, 0}, []float32{0, 1}))
}

func randomUnitVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	var sum float64
	for i := range v {
		x := rng.NormFloat64()
		v[i] = float32(x)
		sum += x * x
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
