// Package cleanup enforces retention policies on finished pipeline data.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/queue"
	"github.com/graphsmith/graphsmith/pkg/store"
)

// Service periodically enforces retention policies:
//   - Deletes finished checkpoints past the retention window
//   - Deletes published and failed outbox rows past their retention
//   - Trims completed and failed job sets on every tracked queue
//
// All sweeps are idempotent and safe to run concurrently with live work.
type Service struct {
	cfg         *config.RetentionConfig
	checkpoints *checkpoint.Manager
	store       *store.Store
	queues      *queue.Manager
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates an idle retention service.
func NewService(
	cfg *config.RetentionConfig,
	checkpoints *checkpoint.Manager,
	st *store.Store,
	queues *queue.Manager,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		checkpoints: checkpoints,
		store:       st,
		queues:      queues,
		logger:      logger.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"checkpoint_retention_days", s.cfg.CheckpointRetentionDays,
		"completed_job_retention", s.cfg.CompletedJobRetention,
		"failed_job_retention", s.cfg.FailedJobRetention,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.sweepCheckpoints(ctx)
	s.sweepOutbox(ctx)
	s.sweepQueues(ctx)
}

func (s *Service) sweepCheckpoints(ctx context.Context) {
	count, err := s.checkpoints.Cleanup(ctx, s.cfg.CheckpointRetentionDays)
	if err != nil {
		s.logger.Error("Retention: checkpoint cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted old checkpoints", "count", count)
	}
}

func (s *Service) sweepOutbox(ctx context.Context) {
	// One cutoff covers both published and failed rows; the longer retention
	// wins so neither class is dropped before its own window expires.
	retention := s.cfg.CompletedJobRetention
	if s.cfg.FailedJobRetention > retention {
		retention = s.cfg.FailedJobRetention
	}
	count, err := s.store.CleanupOutbox(ctx, time.Now().Add(-retention))
	if err != nil {
		s.logger.Error("Retention: outbox cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted terminal outbox rows", "count", count)
	}
}

func (s *Service) sweepQueues(ctx context.Context) {
	policy := queue.CleanupPolicy{
		CompletedRetention: s.cfg.CompletedJobRetention,
		FailedRetention:    s.cfg.FailedJobRetention,
		CompletedKeepCount: s.cfg.CompletedKeepCount,
		FailedKeepCount:    s.cfg.FailedKeepCount,
	}
	for _, name := range s.queues.Tracked() {
		count, err := s.queues.Cleanup(ctx, name, policy)
		if err != nil {
			s.logger.Error("Retention: queue cleanup failed", "queue", name, "error", err)
			continue
		}
		if count > 0 {
			s.logger.Info("Retention: trimmed queue job sets", "queue", name, "count", count)
		}
	}
}
