package models

// JobSubmissionResponse is returned by POST /api/autoDistill.
type JobSubmissionResponse struct {
	SchemaVersion int    `json:"schemaVersion"`
	JobID         string `json:"jobId"`
}

// AutoDistillResponse is returned by GET /api/jobs/{id}.
//
// Results and Stats are populated on success. Error is set on failure and
// timeout, in which case IntermediateResult carries the most recent
// snapshot when one was saved.
type AutoDistillResponse struct {
	SchemaVersion      int              `json:"schemaVersion"`
	Status             string           `json:"status"`
	Stats              *ProcessingStats `json:"stats,omitempty"`
	Results            []Block          `json:"results"`
	Error              *string          `json:"error"`
	Progress           *ProgressInfo    `json:"progress,omitempty"`
	IntermediateResult *DistillResult   `json:"intermediate_result,omitempty"`
}

// WebhookPayload is POSTed to the submitted webhook_url when a job reaches
// a terminal status.
type WebhookPayload struct {
	JobID       string           `json:"job_id"`
	Status      string           `json:"status"`
	Stats       *ProcessingStats `json:"stats,omitempty"`
	Error       *string          `json:"error,omitempty"`
	CompletedAt string           `json:"completed_at"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	Model            string  `json:"model"`
	EmbeddingModel   string  `json:"embedding_model"`
	MaxClusterSize   string  `json:"max_cluster_size"`
	DatabaseBackend  string  `json:"database_backend"`
	JobsActive       int     `json:"jobs_active"`
	JobsCompleted24h int     `json:"jobs_completed_24h"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}
