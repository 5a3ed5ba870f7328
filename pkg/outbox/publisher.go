// Package outbox drains the transactional outbox: rows written by stage
// handlers in the same SQLite transaction as their data mutations are
// published asynchronously to the downstream Redis queues.
//
// Delivery is at-least-once. A crash between enqueue and the row flipping to
// published re-publishes the row after stale-claim recovery; the queue-level
// idempotency key keeps the second enqueue from creating a second job.
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/metrics"
	"github.com/graphsmith/graphsmith/pkg/queue"
	"github.com/graphsmith/graphsmith/pkg/store"
)

// Route describes the downstream queue for one event type.
type Route struct {
	Queue string

	// Delivery settings for the enqueued job; zero values use the queue
	// defaults. DeadLetter empty disables dead-lettering.
	MaxAttempts int
	Backoff     time.Duration
	DeadLetter  string
}

// Routes maps event types to their downstream queues. Rows publish only by
// their explicit event_type mapping; payloads stay opaque.
type Routes map[string]Route

// QueueAdder is the slice of the queue manager the publisher needs.
type QueueAdder interface {
	Add(ctx context.Context, queueName, payload string, opts queue.AddOptions) (*queue.Job, error)
}

// maxRetryDelay caps the per-row publish backoff.
const maxRetryDelay = time.Minute

// Publisher claims batches of pending outbox rows and hands their payloads
// to the queue derived from each row's event type.
type Publisher struct {
	cfg      *config.OutboxConfig
	store    *store.Store
	queues   QueueAdder
	routes   Routes
	timeouts *config.TimeoutRegistry
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPublisher builds a publisher over the given routes.
func NewPublisher(cfg *config.OutboxConfig, st *store.Store, queues QueueAdder, routes Routes,
	timeouts *config.TimeoutRegistry, bus *events.Bus, met *metrics.Metrics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		store:    st,
		queues:   queues,
		routes:   routes,
		timeouts: timeouts,
		bus:      bus,
		metrics:  met,
		logger:   logger.With("component", "outbox_publisher"),
	}
}

// IdempotencyKey is the queue-level deduplication key for a row: the run,
// the event type, and a payload-derived scope. Rows that set an explicit
// dedupe key share downstream jobs; otherwise the scope is the first 16 hex
// chars of the payload's SHA-256.
func IdempotencyKey(row *store.OutboxRow) string {
	scope := row.DedupeKey
	if scope == "" {
		sum := sha256.Sum256([]byte(row.Payload))
		scope = hex.EncodeToString(sum[:])[:16]
	}
	return row.RunID + ":" + row.EventType + ":" + scope
}

// Start recovers rows stranded in publishing by a previous process, then
// launches the poll loop.
func (p *Publisher) Start(ctx context.Context) error {
	released, err := p.store.ReleaseStaleOutboxClaims(ctx, 0)
	if err != nil {
		return err
	}
	if released > 0 {
		p.logger.Info("Recovered outbox rows stranded by previous process", "rows", released)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.tick(ctx)

		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()

	p.logger.Info("Outbox publisher started",
		"poll_interval", p.cfg.PollInterval, "batch_size", p.cfg.BatchSize, "routes", len(p.routes))
	return nil
}

// Stop halts the loop and waits for an in-progress batch to finish.
func (p *Publisher) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Info("Outbox publisher stopped")
}

// Unpublished counts rows still owed to downstream queues. The coordinator's
// drain check includes this so a run is not declared complete while events
// are waiting to fan out.
func (p *Publisher) Unpublished(ctx context.Context) (int64, error) {
	counts, err := p.store.OutboxCounts(ctx)
	if err != nil {
		return 0, err
	}
	return counts[store.OutboxPending] + counts[store.OutboxPublishing], nil
}

// tick runs one publish pass: release stale claims, claim a batch, publish
// each row. Returns the number of rows that reached published.
func (p *Publisher) tick(ctx context.Context) int {
	staleAfter := p.timeouts.Get(config.CategoryReliability, config.TimeoutStaleClaim)
	if released, err := p.store.ReleaseStaleOutboxClaims(ctx, staleAfter); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Failed to release stale outbox claims", "error", err)
		}
	} else if released > 0 {
		p.logger.Warn("Released stale outbox claims", "rows", released)
	}

	batch, err := p.store.ClaimOutboxBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Failed to claim outbox batch", "error", err)
		}
		return 0
	}

	published := 0
	for i := range batch {
		if ctx.Err() != nil {
			break
		}
		if p.publishRow(ctx, &batch[i]) {
			published++
		}
	}

	if counts, err := p.store.OutboxCounts(ctx); err == nil {
		p.metrics.SetOutboxPending(counts[store.OutboxPending] + counts[store.OutboxPublishing])
	}
	return published
}

// publishRow hands one claimed row to its queue and finishes it. Returns
// true once the row reached published.
func (p *Publisher) publishRow(ctx context.Context, row *store.OutboxRow) bool {
	log := p.logger.With("row_id", row.ID, "event_type", row.EventType, "run_id", row.RunID)

	route, ok := p.routes[row.EventType]
	if !ok {
		// Unroutable rows are a wiring bug; retrying cannot fix them.
		if err := p.store.MarkOutboxFailed(ctx, row.ID, row.Attempts+1, "no route for event type"); err != nil {
			log.Error("Failed to fail unroutable outbox row", "error", err)
			return false
		}
		p.metrics.ObserveOutboxFailed()
		p.bus.PublishOutboxFailed(row.RunID, events.OutboxFailedPayload{
			RowID:     row.ID,
			EventType: row.EventType,
			Attempts:  row.Attempts + 1,
			Error:     "no route for event type",
		})
		p.bus.PublishSystemAlert(events.SystemAlertPayload{
			Level:   events.AlertCritical,
			Metric:  "outbox",
			Message: "outbox row has no route for event type " + row.EventType,
		})
		log.Error("Outbox row has no route")
		return false
	}

	deduplicated := false
	jobID := ""
	job, err := p.queues.Add(ctx, route.Queue, row.Payload, queue.AddOptions{
		RunID:       row.RunID,
		MaxAttempts: route.MaxAttempts,
		Backoff:     route.Backoff,
		DedupeKey:   IdempotencyKey(row),
		DeadLetter:  route.DeadLetter,
	})
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		deduplicated = true
	case err != nil:
		p.recordPublishFailure(ctx, log, row, err)
		return false
	default:
		jobID = job.ID
	}

	if err := p.store.MarkOutboxPublished(ctx, row.ID); err != nil {
		// The job is already enqueued. Leave the row claimed: stale-claim
		// recovery re-publishes it and the idempotency key suppresses the
		// duplicate job.
		log.Error("Failed to flip outbox row to published", "error", err)
		return false
	}

	p.metrics.ObserveOutboxPublished(1)
	p.bus.PublishOutboxPublished(row.RunID, events.OutboxPublishedPayload{
		RowID:        row.ID,
		EventType:    row.EventType,
		Queue:        route.Queue,
		JobID:        jobID,
		Deduplicated: deduplicated,
	})
	log.Debug("Outbox row published", "queue", route.Queue, "job_id", jobID, "deduplicated", deduplicated)
	return true
}

func (p *Publisher) recordPublishFailure(ctx context.Context, log *slog.Logger, row *store.OutboxRow, pubErr error) {
	attempts := row.Attempts + 1

	if attempts >= p.cfg.MaxAttempts {
		if err := p.store.MarkOutboxFailed(ctx, row.ID, attempts, pubErr.Error()); err != nil {
			log.Error("Failed to park outbox row", "error", err)
			return
		}
		p.metrics.ObserveOutboxFailed()
		p.bus.PublishOutboxFailed(row.RunID, events.OutboxFailedPayload{
			RowID:     row.ID,
			EventType: row.EventType,
			Attempts:  attempts,
			Error:     pubErr.Error(),
		})
		p.bus.PublishSystemAlert(events.SystemAlertPayload{
			Level:   events.AlertCritical,
			Metric:  "outbox",
			Message: "outbox row exhausted publish attempts: " + pubErr.Error(),
		})
		log.Error("Outbox row exhausted publish attempts", "attempts", attempts, "error", pubErr)
		return
	}

	delay := retryDelay(p.timeouts.Get(config.CategoryReliability, config.TimeoutRetryDelay), attempts)
	if err := p.store.MarkOutboxRetry(ctx, row.ID, attempts, time.Now().UTC().Add(delay), pubErr.Error()); err != nil {
		log.Error("Failed to schedule outbox retry", "error", err)
		return
	}
	log.Warn("Outbox publish failed, scheduled retry",
		"attempts", attempts, "next_attempt_in", delay, "error", pubErr)
}

// retryDelay doubles the base per attempt, capped at maxRetryDelay.
func retryDelay(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}
