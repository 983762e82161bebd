package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/blockify-ai/distillery/pkg/jobstore"
	"github.com/blockify-ai/distillery/pkg/models"
	"github.com/blockify-ai/distillery/pkg/version"
)

// SubmitJob handles POST /api/autoDistill. The job runs asynchronously;
// the returned identifier is immediately pollable.
func (s *Server) SubmitJob(c *gin.Context) {
	var req models.AutoDistillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	req.ApplyDefaults()
	if err := validateRequest(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var webhookURL *string
	if url := c.Query("webhook_url"); url != "" {
		webhookURL = &url
	}

	slog.Info("Received distillation request",
		"task_uuid", req.BlockifyTaskUUID,
		"block_count", len(req.Results),
		"similarity", req.Similarity,
		"iterations", req.Iterations)

	jobID, err := s.manager.Submit(c.Request.Context(), &req, webhookURL)
	if err != nil {
		slog.Error("Failed to submit job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		return
	}

	c.JSON(http.StatusOK, models.JobSubmissionResponse{
		SchemaVersion: models.SchemaVersion,
		JobID:         jobID,
	})
}

// GetJob handles GET /api/jobs/:jobId.
func (s *Server) GetJob(c *gin.Context) {
	jobID := c.Param("jobId")
	resp, err := s.manager.Status(c.Request.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Job %s not found", jobID)})
		return
	}
	if err != nil {
		slog.Error("Failed to read job", "job_id", jobID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read job"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteJob handles DELETE /api/jobs/:jobId. A running job is cancelled
// cooperatively before its record is removed.
func (s *Server) DeleteJob(c *gin.Context) {
	jobID := c.Param("jobId")
	deleted, err := s.manager.Delete(c.Request.Context(), jobID)
	if err != nil {
		slog.Error("Failed to delete job", "job_id", jobID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete job"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Job %s not found", jobID)})
		return
	}
	slog.Info("Job deleted", "job_id", jobID)
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "job_id": jobID})
}

func validateRequest(req *models.AutoDistillRequest) error {
	if len(req.Results) == 0 {
		return errors.New("results must contain at least one block")
	}
	if req.Similarity < 0 || req.Similarity > 1 {
		return fmt.Errorf("similarity must be in [0, 1], got %v", req.Similarity)
	}
	if req.Iterations < 1 || req.Iterations > models.MaxIterations {
		return fmt.Errorf("iterations must be in [1, %d], got %d", models.MaxIterations, req.Iterations)
	}
	return nil
}

// Root handles GET / with basic service information.
func (s *Server) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "Blockify Distillation Service",
		"version": version.Version,
		"health":  "/healthz",
	})
}

// Health is the liveness probe for load balancers.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Healthz is the detailed health endpoint with job counters and
// configuration summary.
func (s *Server) Healthz(c *gin.Context) {
	ctx := c.Request.Context()

	active, err := s.store.ActiveCount(ctx)
	if err != nil {
		slog.Error("Health check: active count failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	completed24h, err := s.store.CompletedCountSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		slog.Error("Health check: completed count failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.HealthResponse{
		Status:           "ok",
		Version:          version.Version,
		Model:            "blockify-distill",
		EmbeddingModel:   s.cfg.Embedding.Model,
		MaxClusterSize:   fmt.Sprintf("%d", s.cfg.Algorithm.MaxClusterSizeLLM),
		DatabaseBackend:  s.cfg.Database.Backend,
		JobsActive:       active,
		JobsCompleted24h: completed24h,
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
	})
}

// Ready is the readiness probe: the service accepts jobs only when both
// provider credentials are configured.
func (s *Server) Ready(c *gin.Context) {
	var issues []string
	if s.cfg.LLM.APIKey == "" {
		issues = append(issues, "BLOCKIFY_API_KEY not configured")
	}
	if s.cfg.Embedding.APIKey == "" {
		issues = append(issues, "OPENAI_API_KEY not configured")
	}
	if len(issues) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "issues": issues})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
