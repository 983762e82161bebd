package dedupe

import (
	"math"

	"github.com/blockify-ai/distillery/pkg/models"
)

// assembleResult builds the output payload: every submitted block marked
// hidden, followed by the merged blocks that replace them. Stats count the
// whole starting active set as removed and the merged set as the final
// corpus, matching what downstream consumers expect.
func assembleResult(input []models.Block, merged []models.Block, startingCount int) *models.DistillResult {
	results := make([]models.Block, 0, len(input)+len(merged))
	for _, b := range input {
		b.Hidden = true
		results = append(results, b)
	}
	for _, b := range merged {
		b.Hidden = false
		b.Type = models.BlockTypeMerged
		results = append(results, b)
	}

	finalCount := len(merged)
	var reduction float64
	if startingCount > 0 {
		reduction = math.Round(100*(1-float64(finalCount)/float64(startingCount))*100) / 100
	}

	return &models.DistillResult{
		SchemaVersion: models.SchemaVersion,
		Status:        models.StatusSuccess,
		Stats: models.ProcessingStats{
			StartingBlockCount:    startingCount,
			FinalBlockCount:       finalCount,
			BlocksRemoved:         startingCount,
			BlocksAdded:           finalCount,
			BlockReductionPercent: reduction,
		},
		Results: results,
	}
}
