// Package jobstore provides durable persistence for distillation jobs.
// Two interchangeable backends exist: PostgreSQL for deployments with a
// database, and a filesystem store for single-node operation.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/blockify-ai/distillery/pkg/models"
)

// ErrNotFound is returned when a job identifier is unknown.
var ErrNotFound = errors.New("job not found")

// TimeoutError is the error string recorded when the watchdog expires.
const TimeoutError = "Job execution timed out"

// Job is one persisted job record.
type Job struct {
	ID              string                `json:"job_id"`
	Status          string                `json:"status"`
	CreatedAt       time.Time             `json:"created_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	Result          *models.DistillResult `json:"result,omitempty"`
	Error           *string               `json:"error,omitempty"`
	Progress        float64               `json:"-"`
	ProgressPhase   string                `json:"-"`
	ProgressDetails map[string]any        `json:"-"`
	WebhookURL      *string               `json:"webhook_url,omitempty"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return j.Status != models.StatusRunning
}

// Store is the job persistence contract shared by all backends.
//
// Terminal status transitions are monotonic: once a job is success no
// later timeout or failure write changes it. Progress updates are
// advisory and apply only while the job is running. The intermediate
// snapshot survives restarts and is cleared when the job succeeds.
type Store interface {
	// Create registers a new running job and returns its identifier.
	Create(ctx context.Context, webhookURL *string) (string, error)
	Get(ctx context.Context, jobID string) (*Job, error)

	UpdateSuccess(ctx context.Context, jobID string, result *models.DistillResult) error
	UpdateFailure(ctx context.Context, jobID string, errMsg string) error
	UpdateTimeout(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID, phase string, fraction float64, details map[string]any) error

	SaveIntermediate(ctx context.Context, jobID string, result *models.DistillResult) error
	GetIntermediate(ctx context.Context, jobID string) (*models.DistillResult, error)

	// Delete removes the job and its snapshot. It reports whether
	// anything was deleted.
	Delete(ctx context.Context, jobID string) (bool, error)

	ActiveCount(ctx context.Context) (int, error)
	CompletedCountSince(ctx context.Context, since time.Time) (int, error)
	// CleanupOlderThan removes completed jobs older than age and returns
	// the number removed. Running jobs are never touched.
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)

	Close() error
}
