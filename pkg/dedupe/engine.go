package dedupe

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/blockify-ai/distillery/pkg/config"
	"github.com/blockify-ai/distillery/pkg/models"
)

// Embedder converts texts into vectors. Implemented by the embedding
// client; tests supply fakes.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Merger collapses one cluster of near-duplicate blocks into one or more
// canonical contents. Implemented by the distill LLM client.
type Merger interface {
	MergeCluster(ctx context.Context, blocks []models.Block) ([]models.BlockContent, error)
}

// ProgressFunc receives phase updates as the run advances. Fraction is in
// [0, 1] and non-decreasing; the API layer renders it as a percentage.
type ProgressFunc func(phase string, fraction float64, details map[string]any)

// SnapshotFunc receives the partial result written after each iteration
// that has produced merges.
type SnapshotFunc func(result *models.DistillResult)

// Progress phase tags.
const (
	PhaseInitialization = "initialization"
	PhaseEmbeddings     = "embeddings"
	PhaseIteration      = "iteration"
	PhaseCompletion     = "completion"
)

// Engine runs the iterative deduplication pipeline for one request:
// embed, find pairs, cluster, merge in parallel, escalate the threshold,
// repeat.
type Engine struct {
	embedder Embedder
	merger   Merger
	cfg      config.AlgorithmConfig
	sem      *semaphore.Weighted
	newID    func() string
}

// Option customizes engine construction.
type Option func(*Engine)

// WithIDGenerator overrides identifier minting for merged and synthetic
// blocks. Runs are not byte-stable across processes with the default
// random generator; tests use a sequential one.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

func NewEngine(embedder Embedder, merger Merger, cfg config.AlgorithmConfig, opts ...Option) *Engine {
	parallel := cfg.LLMParallel
	if parallel < 1 {
		parallel = 1
	}
	e := &Engine{
		embedder: embedder,
		merger:   merger,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(parallel)),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOptions carries the per-request parameters and callbacks.
type RunOptions struct {
	Similarity float64
	Iterations int
	OnProgress ProgressFunc
	OnSnapshot SnapshotFunc
}

// Run executes the full deduplication over the submitted blocks and
// returns the assembled result. Hidden and exported blocks are excluded
// from processing but preserved in the output.
func (e *Engine) Run(ctx context.Context, input []models.Block, opts RunOptions) (*models.DistillResult, error) {
	report := opts.OnProgress
	if report == nil {
		report = func(string, float64, map[string]any) {}
	}
	snapshot := opts.OnSnapshot
	if snapshot == nil {
		snapshot = func(*models.DistillResult) {}
	}

	report(PhaseInitialization, 0, map[string]any{"status": "starting", "count": len(input)})

	active := make([]models.Block, 0, len(input))
	for _, b := range input {
		if b.Active() {
			active = append(active, b)
		}
	}
	startingCount := len(active)

	slog.Info("Starting distillation run",
		"total_blocks", len(input), "active_blocks", startingCount,
		"similarity", opts.Similarity, "iterations", opts.Iterations,
		"max_blocks_per_cluster", e.cfg.MaxBlocksPerCluster)

	report(PhaseInitialization, 0.05, map[string]any{"status": "filtered", "count": startingCount})

	// Nothing to deduplicate: return the corpus unchanged.
	if startingCount < 2 {
		report(PhaseCompletion, 1.0, map[string]any{"status": "done", "count": startingCount})
		return &models.DistillResult{
			SchemaVersion: models.SchemaVersion,
			Status:        models.StatusSuccess,
			Stats: models.ProcessingStats{
				StartingBlockCount: startingCount,
				FinalBlockCount:    startingCount,
			},
			Results: input,
		}, nil
	}

	report(PhaseEmbeddings, 0.05, map[string]any{"status": "embedding", "count": startingCount})
	vectors, err := e.embedBlocks(ctx, active)
	if err != nil {
		return nil, err
	}
	report(PhaseEmbeddings, 0.15, map[string]any{"status": "embedded", "count": startingCount})

	threshold := opts.Similarity
	iterations := opts.Iterations
	var merged []models.Block

	for t := 1; t <= iterations; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(active) < 2 {
			break
		}

		fraction := 0.15 + float64(t)/float64(iterations)*0.80
		report(PhaseIteration, fraction, map[string]any{
			"iteration": t, "blockCount": len(active), "threshold": threshold,
		})
		slog.Info("Iteration start",
			"iteration", t, "active_blocks", len(active), "threshold", threshold)

		pairs, err := FindSimilarPairs(ctx, vectors, threshold, e.cfg)
		if err != nil {
			return nil, err
		}
		if len(pairs) == 0 {
			slog.Info("No similar pairs found, stopping", "iteration", t)
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var clusters [][]int
		for _, c := range Cluster(pairs, len(active), e.cfg.LouvainNodeThreshold) {
			if len(c) >= 2 {
				clusters = append(clusters, c)
			}
		}
		if len(clusters) == 0 {
			slog.Info("No mergeable clusters found, stopping", "iteration", t)
			break
		}
		slog.Info("Clustered pairs",
			"iteration", t, "pairs", len(pairs), "clusters", len(clusters))

		newMerged, mergedAway := e.mergeClusters(ctx, active, clusters, threshold)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(newMerged) > 0 {
			merged = append(merged, newMerged...)

			keptBlocks := active[:0:0]
			keptVectors := vectors[:0:0]
			for i, b := range active {
				if _, gone := mergedAway[b.BlockifyResultUUID]; !gone {
					keptBlocks = append(keptBlocks, b)
					keptVectors = append(keptVectors, vectors[i])
				}
			}

			newVectors, err := e.embedBlocks(ctx, newMerged)
			if err != nil {
				return nil, err
			}
			active = append(keptBlocks, newMerged...)
			vectors = append(keptVectors, newVectors...)

			slog.Info("Iteration merged blocks",
				"iteration", t, "merged", len(newMerged),
				"removed", len(mergedAway), "active_blocks", len(active))
		} else if threshold >= e.cfg.MaxSimilarityThreshold {
			slog.Info("No merges at max threshold, stopping early", "iteration", t)
			break
		}

		if len(merged) > 0 && e.cfg.SaveIntermediate {
			partial := assembleResult(input, merged, startingCount)
			partial.Status = models.StatusPartial
			snapshot(partial)
		}

		if t >= e.cfg.SimilarityIncreaseStartIteration {
			threshold = min(threshold+e.cfg.SimilarityIncreasePerIteration, e.cfg.MaxSimilarityThreshold)
		}
	}

	report(PhaseCompletion, 0.95, map[string]any{"status": "assembling", "count": len(merged)})
	result := assembleResult(input, merged, startingCount)
	report(PhaseCompletion, 1.0, map[string]any{"status": "done", "count": len(result.Results)})

	slog.Info("Distillation run complete",
		"starting_blocks", startingCount,
		"merged_blocks", len(merged),
		"reduction_percent", result.Stats.BlockReductionPercent)
	return result, nil
}

// mergeClusters runs the hierarchical merger over every cluster in
// parallel. A failed cluster is recovered locally: its blocks stay in the
// active set and the iteration continues.
func (e *Engine) mergeClusters(ctx context.Context, active []models.Block, clusters [][]int, threshold float64) ([]models.Block, map[string]struct{}) {
	type clusterResult struct {
		blocks  []models.Block
		sources []string
	}
	results := make([]clusterResult, len(clusters))

	var wg sync.WaitGroup
	for ci, cluster := range clusters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clusterBlocks := make([]models.Block, len(cluster))
			for i, pos := range cluster {
				clusterBlocks[i] = active[pos]
			}
			blocks, err := e.mergeClusterBlocks(ctx, clusterBlocks, threshold)
			if err != nil {
				slog.Error("Cluster merge failed, keeping blocks for next iteration",
					"cluster_size", len(cluster), "error", err)
				return
			}
			sources := make([]string, len(clusterBlocks))
			for i, b := range clusterBlocks {
				sources[i] = b.BlockifyResultUUID
			}
			results[ci] = clusterResult{blocks: blocks, sources: sources}
		}()
	}
	wg.Wait()

	var newMerged []models.Block
	mergedAway := make(map[string]struct{})
	for _, r := range results {
		if len(r.blocks) == 0 {
			continue
		}
		newMerged = append(newMerged, r.blocks...)
		for _, id := range r.sources {
			mergedAway[id] = struct{}{}
		}
	}
	return newMerged, mergedAway
}

func (e *Engine) embedBlocks(ctx context.Context, blocks []models.Block) ([][]float32, error) {
	texts := make([]string, len(blocks))
	for i := range blocks {
		texts[i] = blocks[i].EmbeddingText()
	}
	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	return normalizeAll(vectors), nil
}
