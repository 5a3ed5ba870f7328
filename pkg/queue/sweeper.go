package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/graphsmith/graphsmith/pkg/config"
)

// Sweeper periodically promotes due delayed jobs and reclaims jobs whose
// lease expired, across every queue the manager tracks. One sweeper per
// process is enough; the operations are idempotent.
type Sweeper struct {
	manager  *Manager
	timeouts *config.TimeoutRegistry
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper builds a sweeper over the manager's tracked queues.
func NewSweeper(m *Manager, timeouts *config.TimeoutRegistry, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager:  m,
		timeouts: timeouts,
		logger:   logger.With("component", "queue_sweeper"),
	}
}

// Start launches the sweep loop. An immediate sweep runs first so jobs
// stranded by a previous process are reclaimed before consumers start.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	interval := s.timeouts.Get(config.CategoryQueue, config.TimeoutSweep)
	s.logger.Info("Queue sweeper started", "interval", interval)

	go func() {
		defer close(s.done)
		s.SweepOnce(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Queue sweeper stopped")
}

// SweepOnce runs one pass over all tracked queues and returns the number of
// jobs promoted from delayed and reclaimed from expired leases.
func (s *Sweeper) SweepOnce(ctx context.Context) (promoted, reclaimed int) {
	for _, q := range s.manager.Tracked() {
		n, err := s.manager.PromoteDelayed(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return promoted, reclaimed
			}
			s.logger.Error("Failed to promote delayed jobs", "queue", q, "error", err)
		}
		promoted += n

		n, err = s.manager.ReclaimExpired(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return promoted, reclaimed
			}
			s.logger.Error("Failed to reclaim expired jobs", "queue", q, "error", err)
		}
		reclaimed += n
	}
	s.manager.RefreshDepthGauges(ctx)

	if promoted > 0 || reclaimed > 0 {
		s.logger.Debug("Sweep finished", "promoted", promoted, "reclaimed", reclaimed)
	}
	return promoted, reclaimed
}
