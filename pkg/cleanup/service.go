// Package cleanup enforces the job retention policy.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/blockify-ai/distillery/pkg/config"
	"github.com/blockify-ai/distillery/pkg/jobstore"
)

// Service periodically removes completed jobs older than the retention
// period. Running jobs are never touched, so the sweep is idempotent and
// safe alongside active workers.
type Service struct {
	config config.RetentionConfig
	store  jobstore.Store

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(cfg config.RetentionConfig, store jobstore.Store) *Service {
	return &Service{
		config: cfg,
		store:  store,
	}
}

// Start launches the background cleanup loop. A disabled retention
// config makes Start a no-op.
func (s *Service) Start(ctx context.Context) {
	if !s.config.Enabled {
		slog.Info("Job retention disabled, cleanup service not started")
		return
	}
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"retention_period", s.config.RetentionPeriod,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	count, err := s.store.CleanupOlderThan(ctx, s.config.RetentionPeriod)
	if err != nil {
		slog.Error("Retention: job cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed old jobs", "count", count)
	}
}
