package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/blockify-ai/distillery/pkg/models"
)

// notifyWebhook POSTs the terminal status to the URL given at
// submission. Delivery is best effort: a failed POST is logged and not
// retried, and never affects the stored result.
func (m *Manager) notifyWebhook(ctx context.Context, jobID, url, status string) {
	payload := models.WebhookPayload{
		JobID:       jobID,
		Status:      status,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if job, err := m.store.Get(ctx, jobID); err == nil {
		if job.Result != nil {
			payload.Stats = &job.Result.Stats
		}
		payload.Error = job.Error
		if job.CompletedAt != nil {
			payload.CompletedAt = job.CompletedAt.UTC().Format(time.RFC3339)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode webhook payload", "job_id", jobID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("Failed to build webhook request", "job_id", jobID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		slog.Warn("Webhook delivery failed", "job_id", jobID, "url", url, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("Webhook delivery rejected",
			"job_id", jobID, "url", url, "status", resp.StatusCode)
		return
	}
	slog.Info("Webhook delivered", "job_id", jobID, "status", status)
}
