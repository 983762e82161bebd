package jobs

import (
	"context"
	"log/slog"
	"math"

	"github.com/blockify-ai/distillery/pkg/models"
)

// Status assembles the polling response for a job. Running jobs carry
// progress; successful jobs the full result; failed and timed-out jobs
// the error string plus the last intermediate snapshot when one exists.
func (m *Manager) Status(ctx context.Context, jobID string) (*models.AutoDistillResponse, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	resp := &models.AutoDistillResponse{
		SchemaVersion: models.SchemaVersion,
		Status:        job.Status,
		Results:       []models.Block{},
	}

	switch job.Status {
	case models.StatusRunning:
		resp.Progress = &models.ProgressInfo{
			Percent: math.Round(job.Progress*1000) / 10,
			Phase:   job.ProgressPhase,
			Details: job.ProgressDetails,
		}
	case models.StatusSuccess:
		if job.Result != nil {
			resp.Stats = &job.Result.Stats
			resp.Results = job.Result.Results
		}
	case models.StatusFailure, models.StatusTimeout:
		resp.Error = job.Error
		intermediate, err := m.store.GetIntermediate(ctx, jobID)
		if err != nil {
			slog.Warn("Failed to load intermediate result", "job_id", jobID, "error", err)
		} else if intermediate != nil {
			resp.IntermediateResult = intermediate
			slog.Info("Returning intermediate result for failed job", "job_id", jobID)
		}
	}
	return resp, nil
}

// ActiveCount reports the number of currently running jobs.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	return m.store.ActiveCount(ctx)
}
