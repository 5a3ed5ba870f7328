package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/faults"
)

// failureWatchBuffer sizes the failure watcher's bus subscription. Alerts and
// publish notices are low-volume; a run hot enough to overflow this is
// already past the failure-rate threshold.
const failureWatchBuffer = 256

// failureGauge tracks jobs started and critical alerts inside the sliding
// failure window. The rate check divides alerts by jobs started, so a quiet
// run with one flaky dependency does not trip the policy.
type failureGauge struct {
	mu        sync.Mutex
	started   int64
	criticals []time.Time
}

func (g *failureGauge) noteStarted(n int64) {
	g.mu.Lock()
	g.started += n
	g.mu.Unlock()
}

func (g *failureGauge) jobsStarted() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// noteCritical records one critical alert at the given instant, prunes alerts
// older than the window, and reports whether the rate now exceeds maxRate.
func (g *failureGauge) noteCritical(at time.Time, window time.Duration, maxRate float64) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.criticals = append(g.criticals, at)
	cutoff := at.Add(-window)
	kept := g.criticals[:0]
	for _, t := range g.criticals {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.criticals = kept

	started := g.started
	if started < 1 {
		started = 1
	}
	count := len(g.criticals)
	return count, float64(count) > maxRate*float64(started)
}

// watchFailures enforces the failure-rate policy: too many critical alerts
// within the window, relative to jobs started, aborts the run. Jobs started
// is the producer's seed count plus every non-deduplicated outbox publish.
func (c *Coordinator) watchFailures(ctx context.Context, bus *events.Bus, log *slog.Logger) {
	maxRate := c.cfg.Pipeline.MaxFailureRate
	if maxRate <= 0 {
		return
	}
	window := c.cfg.Pipeline.FailureWindow

	sub := bus.Subscribe(failureWatchBuffer, events.TypeSystemAlert, events.TypeOutboxPublished)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case events.OutboxPublishedPayload:
				if !p.Deduplicated {
					c.gauge.noteStarted(1)
				}
			case events.SystemAlertPayload:
				if p.Level != events.AlertCritical {
					continue
				}
				at := ev.Timestamp
				if at.IsZero() {
					at = time.Now()
				}
				count, exceeded := c.gauge.noteCritical(at, window, maxRate)
				if !exceeded {
					continue
				}
				started := c.gauge.jobsStarted()
				log.Error("Failure rate exceeded, shutting down",
					"critical_alerts", count,
					"window", window.String(),
					"jobs_started", started,
					"max_failure_rate", maxRate,
					"last_alert", p.Message)
				c.abortRun(fmt.Errorf("%w: %d critical alerts within %s against %d started jobs (max rate %.2f)",
					faults.ErrFatal, count, window, started, maxRate))
				return
			}
		}
	}
}

// awaitDrain polls until the stage queues and the outbox stay empty for the
// configured number of consecutive checks. It returns early on context
// cancellation, on a failure-rate abort, and on a strict deadline breach.
func (c *Coordinator) awaitDrain(ctx context.Context, st *stack, start time.Time, log *slog.Logger) error {
	interval := c.cfg.Timeouts.Get(config.CategoryPipeline, config.TimeoutDrainCheck)
	required := c.cfg.Pipeline.RequiredIdleChecks
	if required < 1 {
		required = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idle := 0
	warned := false
	for {
		select {
		case <-ctx.Done():
			log.Info("Run interrupted, draining stopped")
			return fmt.Errorf("%w: run interrupted before drain", faults.ErrShutdown)
		case <-c.abortCh:
			return c.abortErr
		case <-ticker.C:
		}

		if err := c.checkDeadline(st, start, &warned, log); err != nil {
			return err
		}

		quiet, err := c.idle(ctx, st)
		if err != nil {
			log.Warn("Drain check failed", "error", err)
			idle = 0
			continue
		}
		if !quiet {
			idle = 0
			continue
		}
		idle++
		if idle >= required {
			log.Info("Pipeline drained",
				"idle_checks", idle,
				"elapsed", time.Since(start).Round(time.Millisecond).String())
			return nil
		}
	}
}

// checkDeadline enforces MaxExecutionTime. Strict mode turns a breach into a
// critical alert and a fatal error; otherwise the breach logs and alerts once
// and the run keeps draining.
func (c *Coordinator) checkDeadline(st *stack, start time.Time, warned *bool, log *slog.Logger) error {
	max := c.cfg.Pipeline.MaxExecutionTime
	if max <= 0 {
		return nil
	}
	elapsed := time.Since(start)
	if elapsed <= max {
		return nil
	}

	if c.cfg.Pipeline.StrictDeadline {
		st.bus.PublishSystemAlert(events.SystemAlertPayload{
			Level:     events.AlertCritical,
			Metric:    "execution_time",
			Value:     elapsed.Seconds(),
			Threshold: max.Seconds(),
			Message:   fmt.Sprintf("run exceeded max execution time %s", max),
		})
		return fmt.Errorf("%w: run exceeded max execution time %s", faults.ErrFatal, max)
	}

	if !*warned {
		*warned = true
		log.Warn("Run exceeded max execution time, continuing to drain",
			"elapsed", elapsed.Round(time.Second).String(),
			"max_execution_time", max.String())
		st.bus.PublishSystemAlert(events.SystemAlertPayload{
			Level:     events.AlertWarning,
			Metric:    "execution_time",
			Value:     elapsed.Seconds(),
			Threshold: max.Seconds(),
			Message:   fmt.Sprintf("run exceeded max execution time %s", max),
		})
	}
	return nil
}

// idle reports whether the pipeline has no work anywhere: stage queues empty
// and no unpublished outbox rows. Dead-lettered jobs are terminal and do not
// count.
func (c *Coordinator) idle(ctx context.Context, st *stack) (bool, error) {
	backlog, err := st.queues.Backlog(ctx, st.stageQueues)
	if err != nil {
		return false, err
	}
	if backlog > 0 {
		return false, nil
	}
	pending, err := st.outbox.Unpublished(ctx)
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}
