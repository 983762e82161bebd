package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlock_Active(t *testing.T) {
	b := Block{}
	assert.True(t, b.Active())

	b.Hidden = true
	assert.False(t, b.Active())

	b = Block{Exported: true}
	assert.False(t, b.Active())
}

func TestBlock_EmbeddingText(t *testing.T) {
	b := Block{BlockifiedTextResult: BlockContent{
		Name:             "Python",
		CriticalQuestion: "What is Python?",
		TrustedAnswer:    "A language.",
	}}
	assert.Equal(t, "Python What is Python? A language.", b.EmbeddingText())

	// Empty fields are skipped, not joined as blanks.
	b.BlockifiedTextResult.Name = "  "
	assert.Equal(t, "What is Python? A language.", b.EmbeddingText())

	// A fully empty block falls back to an identifier placeholder.
	empty := Block{BlockifyResultUUID: "abc"}
	assert.Equal(t, "block-abc", empty.EmbeddingText())
	assert.Equal(t, "block-unknown", (&Block{}).EmbeddingText())
}

func TestApplyDefaults(t *testing.T) {
	req := AutoDistillRequest{}
	req.ApplyDefaults()
	assert.Equal(t, DefaultSimilarity, req.Similarity)
	assert.Equal(t, DefaultIterations, req.Iterations)

	req = AutoDistillRequest{Similarity: 0.9, Iterations: 2}
	req.ApplyDefaults()
	assert.Equal(t, 0.9, req.Similarity)
	assert.Equal(t, 2, req.Iterations)
}
