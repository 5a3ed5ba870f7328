package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/metrics"
)

// ErrDuplicate indicates an Add was suppressed because a job with the same
// idempotency key was already enqueued on this queue.
var ErrDuplicate = errors.New("duplicate job suppressed")

// CleanupPolicy bounds how long terminal job records are retained.
type CleanupPolicy struct {
	CompletedRetention time.Duration
	FailedRetention    time.Duration

	// KeepCounts cap the terminal sets regardless of age; zero disables.
	CompletedKeepCount int
	FailedKeepCount    int
}

// FailOutcome reports what Fail did with the job.
type FailOutcome struct {
	// Requeued means the job was scheduled for redelivery with backoff.
	Requeued bool

	// DeadLettered means attempts were exhausted and a copy of the payload
	// was enqueued on the job's dead-letter queue.
	DeadLettered bool

	// Delay is the redelivery delay when Requeued.
	Delay time.Duration
}

// deadLetterEnvelope wraps a dead-lettered payload with enough provenance to
// reprocess it by hand.
type deadLetterEnvelope struct {
	SourceQueue string `json:"source_queue"`
	JobID       string `json:"job_id"`
	RunID       string `json:"run_id,omitempty"`
	Error       string `json:"error"`
	Payload     string `json:"payload"`
}

// Manager owns the Redis connection and implements the durable queue
// operations: enqueue with deduplication and delay, lease-based claims,
// terminal transitions, redelivery scheduling, and retention cleanup.
//
// All operations run under the queue op timeout; Connect runs under the
// queue connect timeout.
type Manager struct {
	cfg      *config.RedisConfig
	timeouts *config.TimeoutRegistry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	client *redis.Client

	mu      sync.Mutex
	tracked map[string]struct{}
}

// NewManager builds an unconnected manager. Call Connect before use.
func NewManager(cfg *config.RedisConfig, timeouts *config.TimeoutRegistry, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		timeouts: timeouts,
		metrics:  m,
		logger:   logger.With("component", "queue_manager"),
		tracked:  make(map[string]struct{}),
	}
}

// Connect parses the Redis URL, dials, and verifies the connection. Calling
// it again replaces the connection, so it doubles as the health monitor's
// recovery action.
func (m *Manager) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(m.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	if m.cfg.Password != "" {
		opts.Password = m.cfg.Password
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Get(config.CategoryQueue, config.TimeoutConnect))
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	if m.client != nil {
		_ = m.client.Close()
	}
	m.client = client
	m.logger.Info("Queue manager connected", "addr", opts.Addr, "db", opts.DB)
	return nil
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// Ping verifies the connection is still healthy.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	return m.client.Ping(ctx).Err()
}

// Track registers queue names so the sweeper and depth gauges cover them
// before any job is added.
func (m *Manager) Track(queues ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range queues {
		m.tracked[q] = struct{}{}
	}
}

// Tracked returns the known queue names.
func (m *Manager) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tracked))
	for q := range m.tracked {
		out = append(out, q)
	}
	return out
}

func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeouts.Get(config.CategoryQueue, config.TimeoutOp))
}

// addGuardedScript enqueues a job and records its dedupe guard in one atomic
// step. The guard must never outlive a write that did not happen: a guard
// with no job behind it makes every later Add for the same key report
// ErrDuplicate, and the caller would drop the event as already delivered.
// The guard is therefore written last, after the job hash and the queue
// entry, so an interrupted script leaves no guard and a retried Add runs the
// whole write again. The worst case is a second enqueue, which at-least-once
// delivery tolerates.
var addGuardedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[2], unpack(ARGV, 4))
if ARGV[3] == '' then
	redis.call('LPUSH', KEYS[3], ARGV[2])
else
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
end
redis.call('SET', KEYS[1], 1, 'PX', ARGV[1])
return 1
`)

// Add enqueues a payload. With AddOptions.Delay the job lands in the delayed
// set and becomes claimable once due. With AddOptions.DedupeKey the job write
// and a guard key are committed atomically; a later Add with the same key
// returns ErrDuplicate for the dedupe TTL.
func (m *Manager) Add(ctx context.Context, queueName, payload string, opts AddOptions) (*Job, error) {
	m.Track(queueName)
	k := keysFor(queueName)

	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	seq, err := m.client.Incr(ctx, k.id()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate job id: %w", err)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          strconv.FormatInt(seq, 10),
		Queue:       queueName,
		RunID:       opts.RunID,
		Payload:     payload,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		State:       StateWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
		DedupeKey:   opts.DedupeKey,
		DeadLetter:  opts.DeadLetter,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.Backoff <= 0 {
		job.Backoff = defaultBackoff
	}
	target := k.waiting()
	score := ""
	if opts.Delay > 0 {
		job.State = StateDelayed
		target = k.delayed()
		score = strconv.FormatInt(now.Add(opts.Delay).UnixMilli(), 10)
	}

	if opts.DedupeKey != "" {
		argv := []any{dedupeTTL.Milliseconds(), job.ID, score}
		for field, value := range job.hash() {
			argv = append(argv, field, fmt.Sprint(value))
		}
		added, serr := addGuardedScript.Run(ctx, m.client,
			[]string{dedupeGuardKey(queueName, opts.DedupeKey), k.job(job.ID), target},
			argv...).Int()
		if serr != nil {
			return nil, fmt.Errorf("failed to enqueue job on %s: %w", queueName, serr)
		}
		if added == 0 {
			m.logger.Debug("Duplicate job suppressed",
				"queue", queueName, "dedupe_key", opts.DedupeKey)
			return nil, fmt.Errorf("%w: key %s on %s", ErrDuplicate, opts.DedupeKey, queueName)
		}
	} else {
		_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k.job(job.ID), job.hash())
			if opts.Delay > 0 {
				pipe.ZAdd(ctx, target, redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: job.ID})
			} else {
				pipe.LPush(ctx, target, job.ID)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue job on %s: %w", queueName, err)
		}
	}

	m.metrics.ObserveEnqueue(queueName)
	m.logger.Debug("Job enqueued",
		"queue", queueName, "job_id", job.ID, "state", job.State, "delay", opts.Delay)
	return job, nil
}

// Consume claims the oldest waiting job, moves it to the active list, and
// grants a lease. Returns ErrEmpty when nothing is claimable. The caller must
// finish the job with Complete, Fail, or a Requeue variant before the lease
// expires, or extend the lease while still working.
func (m *Manager) Consume(ctx context.Context, queueName string, lease time.Duration) (*Job, error) {
	m.Track(queueName)
	k := keysFor(queueName)

	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	id, err := m.client.LMove(ctx, k.waiting(), k.active(), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job from %s: %w", queueName, err)
	}

	fields, err := m.client.HGetAll(ctx, k.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	job, err := jobFromHash(fields)
	if err != nil {
		// Record was cleaned up under the claim; drop the orphaned id.
		m.client.LRem(ctx, k.active(), 1, id)
		m.logger.Warn("Claimed job has no record, dropping", "queue", queueName, "job_id", id)
		return nil, ErrEmpty
	}

	now := time.Now().UTC()
	job.State = StateActive
	job.LeaseUntil = now.Add(lease)
	job.UpdatedAt = now

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k.job(id), map[string]any{
			"state":       job.State,
			"lease_until": formatNullableTime(job.LeaseUntil),
			"updated_at":  now.Format(time.RFC3339Nano),
		})
		pipe.ZAdd(ctx, k.leases(), redis.Z{Score: float64(job.LeaseUntil.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lease job %s: %w", id, err)
	}
	return job, nil
}

// ExtendLease pushes the job's lease expiry out. Used as a heartbeat by
// workers whose handler outlives the initial lease.
func (m *Manager) ExtendLease(ctx context.Context, job *Job, lease time.Duration) error {
	k := keysFor(job.Queue)
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	until := time.Now().UTC().Add(lease)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, k.leases(), redis.Z{Score: float64(until.UnixMilli()), Member: job.ID})
		pipe.HSet(ctx, k.job(job.ID), "lease_until", formatNullableTime(until))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to extend lease for job %s: %w", job.ID, err)
	}
	job.LeaseUntil = until
	return nil
}

// Complete finishes a claimed job successfully. The record stays in the
// completed set until retention cleanup removes it.
func (m *Manager) Complete(ctx context.Context, job *Job) error {
	k := keysFor(job.Queue)
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, k.active(), 1, job.ID)
		pipe.ZRem(ctx, k.leases(), job.ID)
		pipe.HSet(ctx, k.job(job.ID), map[string]any{
			"state":       StateCompleted,
			"lease_until": "",
			"updated_at":  now.Format(time.RFC3339Nano),
		})
		pipe.ZAdd(ctx, k.completed(), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	job.State = StateCompleted
	m.metrics.ObserveJobCompleted(job.Queue)
	return nil
}

// Fail records a failed attempt. Unless terminal, the job is rescheduled
// with exponential backoff until MaxAttempts is reached; after that it is
// parked as failed and, when the job carries a dead-letter queue, a copy of
// the payload is enqueued there.
func (m *Manager) Fail(ctx context.Context, job *Job, jobErr error, terminal bool) (FailOutcome, error) {
	k := keysFor(job.Queue)
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	job.Attempts++
	now := time.Now().UTC()
	lastErr := ""
	if jobErr != nil {
		lastErr = jobErr.Error()
	}

	if !terminal && job.Attempts < job.MaxAttempts {
		delay := redeliveryDelay(job.Backoff, job.Attempts)
		readyAt := now.Add(delay)
		_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, k.active(), 1, job.ID)
			pipe.ZRem(ctx, k.leases(), job.ID)
			pipe.HSet(ctx, k.job(job.ID), map[string]any{
				"state":       StateDelayed,
				"attempts":    job.Attempts,
				"last_error":  lastErr,
				"lease_until": "",
				"updated_at":  now.Format(time.RFC3339Nano),
			})
			pipe.ZAdd(ctx, k.delayed(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
			return nil
		})
		if err != nil {
			return FailOutcome{}, fmt.Errorf("failed to reschedule job %s: %w", job.ID, err)
		}
		job.State = StateDelayed
		job.LastError = lastErr
		m.metrics.ObserveJobFailed(job.Queue, "requeued")
		m.logger.Debug("Job rescheduled after failure",
			"queue", job.Queue, "job_id", job.ID, "attempts", job.Attempts, "delay", delay)
		return FailOutcome{Requeued: true, Delay: delay}, nil
	}

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, k.active(), 1, job.ID)
		pipe.ZRem(ctx, k.leases(), job.ID)
		pipe.HSet(ctx, k.job(job.ID), map[string]any{
			"state":       StateFailed,
			"attempts":    job.Attempts,
			"last_error":  lastErr,
			"lease_until": "",
			"updated_at":  now.Format(time.RFC3339Nano),
		})
		pipe.ZAdd(ctx, k.failed(), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return FailOutcome{}, fmt.Errorf("failed to park job %s: %w", job.ID, err)
	}
	job.State = StateFailed
	job.LastError = lastErr

	out := FailOutcome{}
	if job.DeadLetter != "" {
		envelope, err := json.Marshal(deadLetterEnvelope{
			SourceQueue: job.Queue,
			JobID:       job.ID,
			RunID:       job.RunID,
			Error:       lastErr,
			Payload:     job.Payload,
		})
		if err != nil {
			return out, fmt.Errorf("failed to build dead-letter envelope for job %s: %w", job.ID, err)
		}
		if _, err := m.Add(ctx, job.DeadLetter, string(envelope), AddOptions{RunID: job.RunID, MaxAttempts: 1}); err != nil {
			return out, fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
		}
		out.DeadLettered = true
		m.metrics.ObserveJobFailed(job.Queue, "dead_lettered")
		m.logger.Warn("Job dead-lettered",
			"queue", job.Queue, "job_id", job.ID, "dead_letter", job.DeadLetter, "error", lastErr)
		return out, nil
	}

	m.metrics.ObserveJobFailed(job.Queue, "failed")
	m.logger.Warn("Job failed terminally",
		"queue", job.Queue, "job_id", job.ID, "attempts", job.Attempts, "error", lastErr)
	return out, nil
}

// Requeue returns a claimed job to the waiting list without consuming an
// attempt. Used when shutdown interrupts a job that never really ran.
func (m *Manager) Requeue(ctx context.Context, job *Job) error {
	k := keysFor(job.Queue)
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, k.active(), 1, job.ID)
		pipe.ZRem(ctx, k.leases(), job.ID)
		pipe.HSet(ctx, k.job(job.ID), map[string]any{
			"state":       StateWaiting,
			"lease_until": "",
			"updated_at":  now.Format(time.RFC3339Nano),
		})
		// Reclaimed work goes to the front; it already waited its turn.
		pipe.RPush(ctx, k.waiting(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
	}
	job.State = StateWaiting
	return nil
}

// RequeueDelayed returns a claimed job to the delayed set without consuming
// an attempt. Used when the stage breaker is open and the job should come
// back after the reset interval.
func (m *Manager) RequeueDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	k := keysFor(job.Queue)
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	readyAt := now.Add(delay)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, k.active(), 1, job.ID)
		pipe.ZRem(ctx, k.leases(), job.ID)
		pipe.HSet(ctx, k.job(job.ID), map[string]any{
			"state":       StateDelayed,
			"lease_until": "",
			"updated_at":  now.Format(time.RFC3339Nano),
		})
		pipe.ZAdd(ctx, k.delayed(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to defer job %s: %w", job.ID, err)
	}
	job.State = StateDelayed
	return nil
}

// Job loads one job record.
func (m *Manager) Job(ctx context.Context, queueName, id string) (*Job, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	fields, err := m.client.HGetAll(ctx, keysFor(queueName).job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return jobFromHash(fields)
}

// JobCounts returns the queue's depth by state.
func (m *Manager) JobCounts(ctx context.Context, queueName string) (Counts, error) {
	k := keysFor(queueName)
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	var waiting, active *redis.IntCmd
	var delayed, completed, failed *redis.IntCmd
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, k.waiting())
		active = pipe.LLen(ctx, k.active())
		delayed = pipe.ZCard(ctx, k.delayed())
		completed = pipe.ZCard(ctx, k.completed())
		failed = pipe.ZCard(ctx, k.failed())
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count jobs on %s: %w", queueName, err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Backlog sums the ready backlog (waiting + delayed + active) across the
// given queues. The coordinator's drain check and the adaptive scaler both
// read this.
func (m *Manager) Backlog(ctx context.Context, queues []string) (int64, error) {
	var total int64
	for _, q := range queues {
		counts, err := m.JobCounts(ctx, q)
		if err != nil {
			return 0, err
		}
		total += counts.Backlog()
	}
	return total, nil
}

// PromoteDelayed moves due delayed jobs back to the waiting list.
func (m *Manager) PromoteDelayed(ctx context.Context, queueName string) (int, error) {
	k := keysFor(queueName)
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	due, err := m.client.ZRangeByScore(ctx, k.delayed(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list due delayed jobs on %s: %w", queueName, err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range due {
			pipe.ZRem(ctx, k.delayed(), id)
			pipe.HSet(ctx, k.job(id), map[string]any{
				"state":      StateWaiting,
				"updated_at": now.Format(time.RFC3339Nano),
			})
			pipe.LPush(ctx, k.waiting(), id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs on %s: %w", queueName, err)
	}
	return len(due), nil
}

// ReclaimExpired returns jobs whose lease expired to the waiting list so
// another consumer can pick them up. Crashed or wedged consumers surface
// here.
func (m *Manager) ReclaimExpired(ctx context.Context, queueName string) (int, error) {
	k := keysFor(queueName)
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	expired, err := m.client.ZRangeByScore(ctx, k.leases(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired leases on %s: %w", queueName, err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range expired {
			pipe.ZRem(ctx, k.leases(), id)
			pipe.LRem(ctx, k.active(), 1, id)
			pipe.HSet(ctx, k.job(id), map[string]any{
				"state":       StateWaiting,
				"lease_until": "",
				"updated_at":  now.Format(time.RFC3339Nano),
			})
			pipe.RPush(ctx, k.waiting(), id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired jobs on %s: %w", queueName, err)
	}
	m.logger.Warn("Reclaimed jobs with expired leases", "queue", queueName, "count", len(expired))
	return len(expired), nil
}

// Cleanup prunes terminal job records past retention and trims the terminal
// sets to their keep counts. Returns the number of records removed.
func (m *Manager) Cleanup(ctx context.Context, queueName string, policy CleanupPolicy) (int64, error) {
	k := keysFor(queueName)
	removed := int64(0)

	n, err := m.cleanupSet(ctx, k, k.completed(), policy.CompletedRetention, policy.CompletedKeepCount)
	if err != nil {
		return removed, err
	}
	removed += n

	n, err = m.cleanupSet(ctx, k, k.failed(), policy.FailedRetention, policy.FailedKeepCount)
	if err != nil {
		return removed, err
	}
	removed += n

	if removed > 0 {
		m.logger.Debug("Queue retention cleanup", "queue", queueName, "removed", removed)
	}
	return removed, nil
}

func (m *Manager) cleanupSet(ctx context.Context, k queueKeys, setKey string, retention time.Duration, keep int) (int64, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	var stale []string
	if retention > 0 {
		cutoff := time.Now().UTC().Add(-retention)
		aged, err := m.client.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to list stale jobs in %s: %w", setKey, err)
		}
		stale = aged
	}

	if keep > 0 {
		total, err := m.client.ZCard(ctx, setKey).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to size %s: %w", setKey, err)
		}
		if excess := total - int64(len(stale)) - int64(keep); excess > 0 {
			// Oldest first; the aged ones are already in stale.
			over, err := m.client.ZRange(ctx, setKey, int64(len(stale)), int64(len(stale))+excess-1).Result()
			if err != nil {
				return 0, fmt.Errorf("failed to list excess jobs in %s: %w", setKey, err)
			}
			stale = append(stale, over...)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range stale {
			pipe.ZRem(ctx, setKey, id)
			pipe.Del(ctx, k.job(id))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs in %s: %w", setKey, err)
	}
	return int64(len(stale)), nil
}

// RefreshDepthGauges pushes current per-state depths for every tracked queue
// into the metrics registry.
func (m *Manager) RefreshDepthGauges(ctx context.Context) {
	for _, q := range m.Tracked() {
		counts, err := m.JobCounts(ctx, q)
		if err != nil {
			m.logger.Debug("Failed to refresh depth gauges", "queue", q, "error", err)
			continue
		}
		m.metrics.SetQueueDepth(q, StateWaiting, counts.Waiting)
		m.metrics.SetQueueDepth(q, StateDelayed, counts.Delayed)
		m.metrics.SetQueueDepth(q, StateActive, counts.Active)
		m.metrics.SetQueueDepth(q, StateCompleted, counts.Completed)
		m.metrics.SetQueueDepth(q, StateFailed, counts.Failed)
	}
}
