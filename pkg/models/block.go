// Package models defines the wire types shared by the API, the job store,
// and the deduplication engine.
package models

import "strings"

// Block type constants.
const (
	BlockTypeOriginal  = "blockify"
	BlockTypeMerged    = "merged"
	BlockTypeSynthetic = "synthetic"
	BlockTypeNew       = "new"
)

// SchemaVersion is stamped on every result payload.
const SchemaVersion = 1

// Job and result status values. Jobs move from running to exactly one
// terminal status; partial marks intermediate snapshots only.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusTimeout = "timeout"
	StatusPartial = "partial"
)

// BlockContent is the knowledge triple carried by a single IdeaBlock.
type BlockContent struct {
	Name             string  `json:"name"`
	CriticalQuestion string  `json:"criticalQuestion"`
	TrustedAnswer    string  `json:"trustedAnswer"`
	EntityType       *string `json:"entityType,omitempty"`
	EntityUUID       *string `json:"entityUUID,omitempty"`
	IsPublic         *bool   `json:"isPublic,omitempty"`
}

// Block is a single blockify result (IdeaBlock) on the wire.
//
// Merged blocks carry BlockifyResultsUsed, the identifiers of the source
// blocks they subsume. Processing-internal state (embeddings) is never
// attached here; the engine carries (Block, vector) pairs separately.
type Block struct {
	Type                 string       `json:"type"`
	BlockifyResultUUID   string       `json:"blockifyResultUUID"`
	BlockifiedTextResult BlockContent `json:"blockifiedTextResult"`
	Hidden               bool         `json:"hidden"`
	Exported             bool         `json:"exported"`
	Reviewed             bool         `json:"reviewed"`
	BlockifyDocumentUUID *string      `json:"blockifyDocumentUUID,omitempty"`
	BlockifyResultsUsed  []string     `json:"blockifyResultsUsed,omitempty"`
}

// Active reports whether the block participates in deduplication.
// Hidden and exported blocks are excluded from processing.
func (b *Block) Active() bool {
	return !b.Hidden && !b.Exported
}

// EmbeddingText returns the text embedded for this block: name, critical
// question and trusted answer joined by spaces, empty fields skipped.
// A block with no text at all falls back to a placeholder derived from its
// identifier so the embedding call never receives an empty input.
func (b *Block) EmbeddingText() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{
		b.BlockifiedTextResult.Name,
		b.BlockifiedTextResult.CriticalQuestion,
		b.BlockifiedTextResult.TrustedAnswer,
	} {
		if t := strings.TrimSpace(s); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		id := b.BlockifyResultUUID
		if id == "" {
			id = "unknown"
		}
		return "block-" + id
	}
	return strings.Join(parts, " ")
}

// ProcessingStats summarizes the outcome of a distillation run.
type ProcessingStats struct {
	StartingBlockCount    int     `json:"startingBlockCount"`
	FinalBlockCount       int     `json:"finalBlockCount"`
	BlocksRemoved         int     `json:"blocksRemoved"`
	BlocksAdded           int     `json:"blocksAdded"`
	BlockReductionPercent float64 `json:"blockReductionPercent"`
}

// ProgressInfo reports progress for a running job.
type ProgressInfo struct {
	Percent float64        `json:"percent"`
	Phase   string         `json:"phase"`
	Details map[string]any `json:"details"`
}

// DistillResult is the terminal (or intermediate) payload of a job.
// Intermediate snapshots use Status "partial"; successful results "success".
type DistillResult struct {
	SchemaVersion int             `json:"schemaVersion"`
	Status        string          `json:"status"`
	Stats         ProcessingStats `json:"stats"`
	Results       []Block         `json:"results"`
}
