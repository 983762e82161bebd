package models

// AutoDistillRequest is the body of POST /api/autoDistill.
type AutoDistillRequest struct {
	BlockifyTaskUUID string  `json:"blockifyTaskUUID" binding:"required"`
	Similarity       float64 `json:"similarity"`
	Iterations       int     `json:"iterations"`
	Results          []Block `json:"results" binding:"required"`
}

// Request defaults applied when fields are omitted.
const (
	DefaultSimilarity = 0.55
	DefaultIterations = 4
	MaxIterations     = 10
)

// ApplyDefaults fills omitted similarity and iteration values.
// Zero similarity is treated as omitted; a deliberate 0.0 threshold would
// cluster everything with everything and is not a meaningful request.
func (r *AutoDistillRequest) ApplyDefaults() {
	if r.Similarity == 0 {
		r.Similarity = DefaultSimilarity
	}
	if r.Iterations == 0 {
		r.Iterations = DefaultIterations
	}
}
