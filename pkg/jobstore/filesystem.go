package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockify-ai/distillery/pkg/models"
)

// FilesystemStore keeps running jobs in memory and persists one JSON file
// per job under <dir>/jobs once the job reaches a terminal status.
// Intermediate snapshots get a sibling <id>.intermediate.json so partial
// work survives a crash. All file writes are atomic replaces.
type FilesystemStore struct {
	mu      sync.RWMutex
	running map[string]*Job
	jobsDir string
}

func NewFilesystemStore(dataDir string) (*FilesystemStore, error) {
	jobsDir := filepath.Join(dataDir, "jobs")
	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jobs directory: %w", err)
	}
	slog.Info("Filesystem job store initialized", "data_dir", dataDir)
	return &FilesystemStore{
		running: make(map[string]*Job),
		jobsDir: jobsDir,
	}, nil
}

func (s *FilesystemStore) Create(_ context.Context, webhookURL *string) (string, error) {
	job := &Job{
		ID:         uuid.NewString(),
		Status:     models.StatusRunning,
		CreatedAt:  time.Now().UTC(),
		WebhookURL: webhookURL,
	}
	s.mu.Lock()
	s.running[job.ID] = job
	s.mu.Unlock()

	slog.Info("Created job", "job_id", job.ID)
	return job.ID, nil
}

func (s *FilesystemStore) Get(_ context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	job, ok := s.running[jobID]
	if ok {
		copied := *job
		s.mu.RUnlock()
		return &copied, nil
	}
	s.mu.RUnlock()

	return s.loadJob(jobID)
}

func (s *FilesystemStore) UpdateSuccess(_ context.Context, jobID string, result *models.DistillResult) error {
	return s.finish(jobID, func(job *Job) {
		job.Status = models.StatusSuccess
		job.Result = result
	}, true)
}

func (s *FilesystemStore) UpdateFailure(_ context.Context, jobID string, errMsg string) error {
	return s.finish(jobID, func(job *Job) {
		job.Status = models.StatusFailure
		job.Error = &errMsg
	}, false)
}

func (s *FilesystemStore) UpdateTimeout(_ context.Context, jobID string) error {
	return s.finish(jobID, func(job *Job) {
		job.Status = models.StatusTimeout
		msg := TimeoutError
		job.Error = &msg
	}, false)
}

// finish moves a running job to a terminal status, persists it and drops
// it from memory. Unknown or already-terminal jobs are a no-op, which
// makes the success-then-timeout race harmless.
func (s *FilesystemStore) finish(jobID string, apply func(*Job), clearIntermediate bool) error {
	s.mu.Lock()
	job, ok := s.running[jobID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	apply(job)
	now := time.Now().UTC()
	job.CompletedAt = &now
	delete(s.running, jobID)
	s.mu.Unlock()

	if err := s.persistJob(job); err != nil {
		return err
	}
	if clearIntermediate {
		s.removeIntermediate(jobID)
	}
	return nil
}

func (s *FilesystemStore) UpdateProgress(_ context.Context, jobID, phase string, fraction float64, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.running[jobID]; ok {
		job.Progress = fraction
		job.ProgressPhase = phase
		job.ProgressDetails = details
	}
	return nil
}

func (s *FilesystemStore) SaveIntermediate(_ context.Context, jobID string, result *models.DistillResult) error {
	s.mu.RLock()
	_, ok := s.running[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return writeJSONAtomic(s.intermediatePath(jobID), result)
}

func (s *FilesystemStore) GetIntermediate(_ context.Context, jobID string) (*models.DistillResult, error) {
	data, err := os.ReadFile(s.intermediatePath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read intermediate result: %w", err)
	}
	var result models.DistillResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode intermediate result: %w", err)
	}
	return &result, nil
}

func (s *FilesystemStore) Delete(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	_, inMemory := s.running[jobID]
	delete(s.running, jobID)
	s.mu.Unlock()

	deleted := inMemory
	if err := os.Remove(s.jobPath(jobID)); err == nil {
		deleted = true
	} else if !os.IsNotExist(err) {
		return deleted, fmt.Errorf("failed to delete job file: %w", err)
	}
	s.removeIntermediate(jobID)
	return deleted, nil
}

func (s *FilesystemStore) ActiveCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.running), nil
}

func (s *FilesystemStore) CompletedCountSince(_ context.Context, since time.Time) (int, error) {
	entries, err := os.ReadDir(s.jobsDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read jobs directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if !isJobFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *FilesystemStore) CleanupOlderThan(_ context.Context, age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.jobsDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read jobs directory: %w", err)
	}
	cutoff := time.Now().Add(-age)
	count := 0
	for _, entry := range entries {
		if !isJobFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			jobID := strings.TrimSuffix(entry.Name(), ".json")
			if err := os.Remove(filepath.Join(s.jobsDir, entry.Name())); err != nil {
				slog.Error("Failed to remove old job file", "file", entry.Name(), "error", err)
				continue
			}
			s.removeIntermediate(jobID)
			count++
		}
	}
	if count > 0 {
		slog.Info("Cleaned up old jobs", "count", count)
	}
	return count, nil
}

func (s *FilesystemStore) Close() error { return nil }

func (s *FilesystemStore) jobPath(jobID string) string {
	return filepath.Join(s.jobsDir, jobID+".json")
}

func (s *FilesystemStore) intermediatePath(jobID string) string {
	return filepath.Join(s.jobsDir, jobID+".intermediate.json")
}

func (s *FilesystemStore) persistJob(job *Job) error {
	if err := writeJSONAtomic(s.jobPath(job.ID), job); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}
	return nil
}

func (s *FilesystemStore) loadJob(jobID string) (*Job, error) {
	data, err := os.ReadFile(s.jobPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job file: %w", err)
	}
	return &job, nil
}

func (s *FilesystemStore) removeIntermediate(jobID string) {
	if err := os.Remove(s.intermediatePath(jobID)); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove intermediate file", "job_id", jobID, "error", err)
	}
}

func isJobFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".intermediate.json")
}

// writeJSONAtomic writes via a temp file and rename so readers never see
// a half-written document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
