// Package jobs runs distillation requests on a bounded worker pool with
// timeout enforcement, cooperative cancellation and durable state in the
// job store.
package jobs

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/blockify-ai/distillery/pkg/config"
	"github.com/blockify-ai/distillery/pkg/dedupe"
	"github.com/blockify-ai/distillery/pkg/jobstore"
	"github.com/blockify-ai/distillery/pkg/models"
)

// Engine executes one distillation run. Implemented by dedupe.Engine;
// tests supply fakes.
type Engine interface {
	Run(ctx context.Context, blocks []models.Block, opts dedupe.RunOptions) (*models.DistillResult, error)
}

type task struct {
	jobID      string
	request    *models.AutoDistillRequest
	webhookURL *string
}

// Manager owns the worker pool. Submission is non-blocking: the job
// record exists before the task is queued, so the returned identifier is
// immediately valid for polling.
type Manager struct {
	store      jobstore.Store
	engine     Engine
	cfg        config.JobsConfig
	tasks      chan task
	httpClient *http.Client

	// Cancel registry: job_id → cancel function for the running job.
	mu         sync.RWMutex
	activeJobs map[string]context.CancelFunc

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

func NewManager(store jobstore.Store, engine Engine, cfg config.JobsConfig) *Manager {
	return &Manager{
		store:      store,
		engine:     engine,
		cfg:        cfg,
		tasks:      make(chan task, 4*cfg.WorkerPoolSize),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		activeJobs: make(map[string]context.CancelFunc),
		stopCh:     make(chan struct{}),
	}
}

// Start spawns the worker goroutines. Safe to call once; duplicate calls
// are ignored.
func (m *Manager) Start() {
	if m.started {
		slog.Warn("Job manager already started, ignoring duplicate Start call")
		return
	}
	m.started = true

	slog.Info("Starting job manager",
		"worker_count", m.cfg.WorkerPoolSize, "job_timeout", m.cfg.JobTimeout)
	for i := 0; i < m.cfg.WorkerPoolSize; i++ {
		m.wg.Add(1)
		go m.runWorker(i)
	}
}

// Stop signals workers to stop and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	slog.Info("Stopping job manager")
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("Job manager stopped")
}

// Submit creates the job record and queues the work. The queue is
// buffered well past the worker count; if it is ever full the hand-off
// completes from a goroutine so the caller never blocks.
func (m *Manager) Submit(ctx context.Context, req *models.AutoDistillRequest, webhookURL *string) (string, error) {
	jobID, err := m.store.Create(ctx, webhookURL)
	if err != nil {
		return "", err
	}

	t := task{jobID: jobID, request: req, webhookURL: webhookURL}
	select {
	case m.tasks <- t:
	default:
		go func() {
			select {
			case m.tasks <- t:
			case <-m.stopCh:
			}
		}()
	}

	slog.Info("Job submitted", "job_id", jobID, "blocks", len(req.Results))
	return jobID, nil
}

// Cancel requests cooperative termination of a running job. It reports
// whether the job was running on this instance.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cancel, ok := m.activeJobs[jobID]; ok {
		cancel()
		return true
	}
	return false
}

// Delete cancels the job if running and removes its record and snapshot.
func (m *Manager) Delete(ctx context.Context, jobID string) (bool, error) {
	m.Cancel(jobID)
	return m.store.Delete(ctx, jobID)
}

func (m *Manager) runWorker(id int) {
	defer m.wg.Done()
	slog.Debug("Worker started", "worker", id)
	for {
		select {
		case <-m.stopCh:
			return
		case t := <-m.tasks:
			m.executeJob(t)
		}
	}
}

// executeJob runs one job under the watchdog. The store's status guards
// make the terminal transition race-free: whichever of success, failure
// or timeout lands first wins and the rest are no-ops.
func (m *Manager) executeJob(t task) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	m.activeJobs[t.jobID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.activeJobs, t.jobID)
		m.mu.Unlock()
	}()

	slog.Info("Starting job execution", "job_id", t.jobID, "timeout", m.cfg.JobTimeout)
	start := time.Now()

	opts := dedupe.RunOptions{
		Similarity: t.request.Similarity,
		Iterations: t.request.Iterations,
		OnProgress: func(phase string, fraction float64, details map[string]any) {
			if err := m.store.UpdateProgress(runCtx, t.jobID, phase, fraction, details); err != nil {
				slog.Warn("Failed to update job progress", "job_id", t.jobID, "error", err)
			}
		},
		OnSnapshot: func(result *models.DistillResult) {
			if err := m.store.SaveIntermediate(runCtx, t.jobID, result); err != nil {
				slog.Warn("Failed to save intermediate result", "job_id", t.jobID, "error", err)
			}
		},
	}

	type outcome struct {
		result *models.DistillResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := m.engine.Run(runCtx, t.request.Results, opts)
		done <- outcome{result: result, err: err}
	}()

	storeCtx := context.Background()
	var finalStatus string
	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			slog.Error("Job execution failed",
				"job_id", t.jobID, "elapsed", elapsed, "error", out.err)
			if err := m.store.UpdateFailure(storeCtx, t.jobID, out.err.Error()); err != nil {
				slog.Error("Failed to record job failure", "job_id", t.jobID, "error", err)
			}
			finalStatus = models.StatusFailure
		} else {
			slog.Info("Job execution completed", "job_id", t.jobID, "elapsed", elapsed)
			if err := m.store.UpdateSuccess(storeCtx, t.jobID, out.result); err != nil {
				slog.Error("Failed to record job success", "job_id", t.jobID, "error", err)
			}
			finalStatus = models.StatusSuccess
		}
	case <-time.After(m.cfg.JobTimeout):
		slog.Warn("Job execution timed out",
			"job_id", t.jobID, "timeout", m.cfg.JobTimeout)
		if err := m.store.UpdateTimeout(storeCtx, t.jobID); err != nil {
			slog.Error("Failed to record job timeout", "job_id", t.jobID, "error", err)
		}
		cancel()
		finalStatus = models.StatusTimeout
		// Drain the worker goroutine; it stops at its next cooperative
		// check or when its in-flight HTTP call returns.
		<-done
	}

	if t.webhookURL != nil && *t.webhookURL != "" {
		m.notifyWebhook(storeCtx, t.jobID, *t.webhookURL, finalStatus)
	}
}
