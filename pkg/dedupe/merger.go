package dedupe

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/blockify-ai/distillery/pkg/models"
)

// mergeClusterBlocks merges one cluster into one or more blocks, using
// hierarchical subclustering when the cluster exceeds the LLM input
// budget. Returned blocks have type "merged" and carry the identifiers of
// every source block in the cluster.
func (e *Engine) mergeClusterBlocks(ctx context.Context, cluster []models.Block, threshold float64) ([]models.Block, error) {
	if len(cluster) <= e.cfg.MaxClusterSizeLLM {
		contents, err := e.singleMerge(ctx, cluster)
		if err != nil {
			return nil, err
		}
		return e.contentsToBlocks(contents, cluster), nil
	}

	slog.Info("Large cluster, using hierarchical subclustering",
		"cluster_size", len(cluster), "max_size", e.cfg.MaxClusterSizeLLM)

	contents, err := e.mergeRecursive(ctx, cluster, threshold, 0)
	if err != nil {
		return nil, err
	}
	return e.contentsToBlocks(contents, cluster), nil
}

// mergeRecursive splits the cluster into balanced slices, merges each
// slice (recursively when still oversized), then re-merges the combined
// output while it stays too large or still contains near-duplicates.
//
// Termination: slices are strictly smaller than their parent, inputs at or
// under the budget go straight to the LLM, and the depth cap force-merges.
func (e *Engine) mergeRecursive(ctx context.Context, cluster []models.Block, threshold float64, depth int) ([]models.BlockContent, error) {
	n := len(cluster)

	if n == 0 {
		return nil, nil
	}
	if n == 1 {
		c := cluster[0].BlockifiedTextResult
		return []models.BlockContent{{
			Name:             c.Name,
			CriticalQuestion: c.CriticalQuestion,
			TrustedAnswer:    c.TrustedAnswer,
		}}, nil
	}

	if depth >= e.cfg.MaxRecursionDepth {
		slog.Warn("Max recursion depth reached, forcing direct merge",
			"depth", depth, "cluster_size", n)
		capped := cluster
		if len(capped) > e.cfg.MaxClusterSizeLLM {
			capped = capped[:e.cfg.MaxClusterSizeLLM]
		}
		return e.singleMerge(ctx, capped)
	}

	if n <= e.cfg.MaxClusterSizeLLM {
		return e.singleMerge(ctx, cluster)
	}

	targetSize := min(e.cfg.MaxClusterSizeLLM, max(5, int(math.Floor(2*math.Sqrt(float64(n))))))
	numSlices := (n + targetSize - 1) / targetSize

	slog.Debug("Hierarchical split",
		"depth", depth, "blocks", n,
		"target_size", targetSize, "slices", numSlices)

	// Identifier order keeps slicing deterministic across retries.
	sorted := append([]models.Block(nil), cluster...)
	sort.Slice(sorted, func(a, b int) bool {
		return sorted[a].BlockifyResultUUID < sorted[b].BlockifyResultUUID
	})

	type slice struct {
		index  int
		blocks []models.Block
	}
	var slices []slice
	for i := 0; i < numSlices; i++ {
		start := i * n / numSlices
		end := (i + 1) * n / numSlices
		if start < end {
			slices = append(slices, slice{index: len(slices), blocks: sorted[start:end]})
		}
	}

	// Recurse in parallel. LLM concurrency stays bounded by the engine
	// semaphore acquired inside singleMerge, so fanning out here cannot
	// exhaust anything. A failed slice contributes nothing this
	// iteration; its blocks stay in the active set.
	results := make([][]models.BlockContent, len(slices))
	var wg sync.WaitGroup
	for _, s := range slices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			contents, err := e.mergeRecursive(ctx, s.blocks, threshold, depth+1)
			if err != nil {
				slog.Error("Subcluster merge failed",
					"slice", s.index, "size", len(s.blocks), "error", err)
				return
			}
			results[s.index] = contents
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var combined []models.BlockContent
	for _, r := range results {
		combined = append(combined, r...)
	}

	if len(combined) > e.cfg.MaxClusterSizeLLM {
		return e.mergeRecursive(ctx, e.syntheticBlocks(combined), threshold, depth+1)
	}

	if len(combined) > 1 {
		synthetic := e.syntheticBlocks(combined)
		again, err := e.hasMergeableClusters(ctx, synthetic, threshold)
		if err != nil {
			slog.Warn("Re-cluster check failed, keeping combined results", "error", err)
			return combined, nil
		}
		if again {
			return e.mergeRecursive(ctx, synthetic, threshold, depth+1)
		}
	}
	return combined, nil
}

// singleMerge performs one bounded LLM call for a cluster that fits the
// input budget. The shared semaphore caps concurrent distill calls across
// all clusters and recursion depths.
func (e *Engine) singleMerge(ctx context.Context, cluster []models.Block) ([]models.BlockContent, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)
	return e.merger.MergeCluster(ctx, cluster)
}

// hasMergeableClusters re-embeds the merged outputs and reports whether
// any pair still meets the threshold.
func (e *Engine) hasMergeableClusters(ctx context.Context, blocks []models.Block, threshold float64) (bool, error) {
	texts := make([]string, len(blocks))
	for i := range blocks {
		texts[i] = blocks[i].EmbeddingText()
	}
	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return false, err
	}
	pairs, err := findSimilarPairsDense(ctx, normalizeAll(vectors), threshold, e.cfg.SimilarityParallel)
	if err != nil {
		return false, err
	}
	if len(pairs) == 0 {
		return false, nil
	}
	for _, cluster := range connectedComponents(pairs, len(blocks)) {
		if len(cluster) > 1 {
			return true, nil
		}
	}
	return false, nil
}

// contentsToBlocks materializes merged contents as wire blocks subsuming
// the given source cluster.
func (e *Engine) contentsToBlocks(contents []models.BlockContent, sources []models.Block) []models.Block {
	sourceIDs := make([]string, len(sources))
	var docUUID *string
	for i, s := range sources {
		sourceIDs[i] = s.BlockifyResultUUID
		if docUUID == nil && s.BlockifyDocumentUUID != nil {
			docUUID = s.BlockifyDocumentUUID
		}
	}

	blocks := make([]models.Block, 0, len(contents))
	for _, c := range contents {
		blocks = append(blocks, models.Block{
			Type:               models.BlockTypeMerged,
			BlockifyResultUUID: e.newID(),
			BlockifiedTextResult: models.BlockContent{
				Name:             c.Name,
				CriticalQuestion: c.CriticalQuestion,
				TrustedAnswer:    c.TrustedAnswer,
			},
			BlockifyDocumentUUID: docUUID,
			BlockifyResultsUsed:  sourceIDs,
		})
	}
	return blocks
}

// syntheticBlocks wraps intermediate merge outputs as blocks so they can
// be re-clustered and re-merged.
func (e *Engine) syntheticBlocks(contents []models.BlockContent) []models.Block {
	blocks := make([]models.Block, 0, len(contents))
	for _, c := range contents {
		blocks = append(blocks, models.Block{
			Type:               models.BlockTypeSynthetic,
			BlockifyResultUUID: e.newID(),
			BlockifiedTextResult: models.BlockContent{
				Name:             c.Name,
				CriticalQuestion: c.CriticalQuestion,
				TrustedAnswer:    c.TrustedAnswer,
			},
		})
	}
	return blocks
}
