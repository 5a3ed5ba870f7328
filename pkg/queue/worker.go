package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/metrics"
	"github.com/graphsmith/graphsmith/pkg/pool"
)

// Handler processes one claimed job. The context carries the job deadline
// applied by the worker pool.
type Handler func(ctx context.Context, job *Job) error

// Executor runs a stage operation under admission control, rate limiting,
// and the retry loop. Satisfied by *pool.Manager.
type Executor interface {
	ExecuteWithManagement(ctx context.Context, stage string, meta pool.Meta, op pool.Operation) error
}

// WorkerHealth is a point-in-time snapshot of one stage worker.
type WorkerHealth struct {
	WorkerID      string    `json:"worker_id"`
	Stage         string    `json:"stage"`
	Queue         string    `json:"queue"`
	Consumers     int       `json:"consumers"`
	InFlight      int       `json:"in_flight"`
	JobsProcessed int64     `json:"jobs_processed"`
	JobsFailed    int64     `json:"jobs_failed"`
	LastError     string    `json:"last_error,omitempty"`
	LastActiveAt  time.Time `json:"last_active_at,omitempty"`
	Stopped       bool      `json:"stopped"`
}

// Worker consumes one stage's queue with a fixed set of consumer goroutines.
// Every claimed job runs through the pool's managed execution; the outcome
// decides the job's terminal transition:
//
//   - success: completed
//   - shutdown interrupted: back to waiting, attempt not counted
//   - breaker open: delayed until the reset interval, attempt not counted
//   - retryable failure: delayed with exponential backoff until MaxAttempts
//   - non-retryable failure: failed immediately (dead-lettered when wired)
type Worker struct {
	stage    *config.StageConfig
	manager  *Manager
	executor Executor
	handler  Handler
	timeouts *config.TimeoutRegistry
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.Mutex
	inFlight      int
	jobsProcessed int64
	jobsFailed    int64
	lastError     string
	lastActiveAt  time.Time
	stopped       bool
}

// NewWorker builds a stage worker. The handler runs once per claimed job
// under the pool's management.
func NewWorker(sc *config.StageConfig, m *Manager, executor Executor, handler Handler,
	timeouts *config.TimeoutRegistry, bus *events.Bus, met *metrics.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		stage:    sc,
		manager:  m,
		executor: executor,
		handler:  handler,
		timeouts: timeouts,
		bus:      bus,
		metrics:  met,
		logger:   logger.With("component", "worker", "stage", sc.Name),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the consumer goroutines.
func (w *Worker) Start(ctx context.Context) {
	consumers := w.stage.Consumers
	if consumers <= 0 {
		consumers = 1
	}
	for i := 0; i < consumers; i++ {
		w.wg.Add(1)
		go w.runLoop(ctx, i)
	}
	w.logger.Info("Worker started", "queue", w.stage.QueueName, "consumers", consumers)
}

// Stop closes the claim loop and waits for in-flight jobs to finish. Returns
// faults.ErrTimeout when they do not finish within the deadline.
func (w *Worker) Stop(timeout time.Duration) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("%w: worker %s did not drain within %s", faults.ErrTimeout, w.stage.Name, timeout)
	}

	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.logger.Info("Worker stopped", "jobs_processed", w.Health().JobsProcessed)
	return nil
}

// Health reports the worker's current state for the health monitor.
func (w *Worker) Health() WorkerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerHealth{
		WorkerID:      w.stage.Name + "-worker",
		Stage:         w.stage.Name,
		Queue:         w.stage.QueueName,
		Consumers:     w.stage.Consumers,
		InFlight:      w.inFlight,
		JobsProcessed: w.jobsProcessed,
		JobsFailed:    w.jobsFailed,
		LastError:     w.lastError,
		LastActiveAt:  w.lastActiveAt,
		Stopped:       w.stopped,
	}
}

func (w *Worker) runLoop(ctx context.Context, consumer int) {
	defer w.wg.Done()
	log := w.logger.With("consumer", consumer)
	pollInterval := w.timeouts.Get(config.CategoryWorker, config.TimeoutPoll)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.manager.Consume(ctx, w.stage.QueueName, w.lease())
		if errors.Is(err, ErrEmpty) {
			w.sleep(ctx, jitter(pollInterval))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Failed to claim job", "error", err)
			w.sleep(ctx, pollInterval)
			continue
		}

		w.process(ctx, log, job)
	}
}

// lease covers one managed execution: the job deadline per attempt plus the
// slot acquisition wait. The heartbeat extends it while the handler runs.
func (w *Worker) lease() time.Duration {
	return w.timeouts.Get(config.CategoryWorker, config.TimeoutJob) +
		w.timeouts.Get(config.CategoryReliability, config.TimeoutSlotAcquisition)
}

func (w *Worker) process(ctx context.Context, log *slog.Logger, job *Job) {
	start := time.Now()
	w.track(1)
	defer w.track(-1)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, job)

	meta := pool.Meta{JobID: job.ID, RunID: job.RunID}
	err := w.executor.ExecuteWithManagement(ctx, w.stage.Name, meta, func(opCtx context.Context) error {
		return w.handler(opCtx, job)
	})
	stopHeartbeat()
	duration := time.Since(start)

	// Terminal bookkeeping must finish even when the run context is being
	// torn down, so it runs detached from cancellation.
	bg := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if cerr := w.manager.Complete(bg, job); cerr != nil {
			log.Error("Failed to complete job", "job_id", job.ID, "error", cerr)
			return
		}
		w.recordResult(nil)
		w.bus.PublishJobCompleted(job.RunID, events.JobCompletedPayload{
			JobID:    job.ID,
			Queue:    job.Queue,
			Stage:    w.stage.Name,
			Attempts: job.Attempts + 1,
			Duration: duration,
		})
		log.Debug("Job completed", "job_id", job.ID, "duration", duration)

	case faults.IsShutdown(err):
		if rerr := w.manager.Requeue(bg, job); rerr != nil {
			log.Error("Failed to requeue job on shutdown", "job_id", job.ID, "error", rerr)
		} else {
			log.Info("Job returned to queue on shutdown", "job_id", job.ID)
		}

	case errors.Is(err, faults.ErrTripped):
		delay := w.stage.ResetInterval
		if delay <= 0 {
			delay = w.timeouts.Get(config.CategoryCircuitBreaker, config.TimeoutReset)
		}
		if rerr := w.manager.RequeueDelayed(bg, job, delay); rerr != nil {
			log.Error("Failed to defer job for open breaker", "job_id", job.ID, "error", rerr)
		} else {
			log.Debug("Stage breaker open, job deferred", "job_id", job.ID, "delay", delay)
		}

	default:
		terminal := !faults.IsRetryable(err)
		outcome, ferr := w.manager.Fail(bg, job, err, terminal)
		if ferr != nil {
			log.Error("Failed to record job failure", "job_id", job.ID, "error", ferr)
			return
		}
		w.recordResult(err)
		w.bus.PublishJobFailed(job.RunID, events.JobFailedPayload{
			JobID:        job.ID,
			Queue:        job.Queue,
			Stage:        w.stage.Name,
			Error:        err.Error(),
			Attempts:     job.Attempts,
			Requeued:     outcome.Requeued,
			DeadLettered: outcome.DeadLettered,
		})
		log.Warn("Job attempt failed",
			"job_id", job.ID, "attempts", job.Attempts,
			"requeued", outcome.Requeued, "dead_lettered", outcome.DeadLettered, "error", err)
	}
}

// heartbeat extends the job lease while the handler runs so the sweeper does
// not hand the job to another consumer mid-execution.
func (w *Worker) heartbeat(ctx context.Context, job *Job) {
	lease := w.lease()
	interval := lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.manager.ExtendLease(ctx, job, lease); err != nil && ctx.Err() == nil {
				w.logger.Debug("Failed to extend lease", "job_id", job.ID, "error", err)
			}
		}
	}
}

func (w *Worker) track(delta int) {
	w.mu.Lock()
	w.inFlight += delta
	w.lastActiveAt = time.Now().UTC()
	w.mu.Unlock()
}

func (w *Worker) recordResult(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.jobsProcessed++
		return
	}
	w.jobsFailed++
	w.lastError = err.Error()
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-ctx.Done():
	case <-timer.C:
	}
}

// jitter spreads poll wakeups across [d/2, 3d/2) so idle consumers do not
// hammer Redis in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + rand.N(d)
}
