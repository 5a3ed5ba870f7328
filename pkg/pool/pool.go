// Package pool implements the managed worker-pool: a global concurrency
// budget shared by all pipeline stages, per-stage resizable slot gates, and
// the execution contract that threads every job through circuit breaker,
// rate limiter, slot acquisition, deadline, and retry policy in that order.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/graphsmith/graphsmith/pkg/breaker"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/metrics"
	"github.com/graphsmith/graphsmith/pkg/monitor"
	"github.com/graphsmith/graphsmith/pkg/ratelimit"
)

// retryMaxInterval caps the exponential retry delay inside managed
// executions.
const retryMaxInterval = 60 * time.Second

// Meta identifies the work item for logs and events.
type Meta struct {
	JobID  string
	RunID  string
	Entity string
}

// Operation is the unit of work run under management.
type Operation func(context.Context) error

// Advisor supplies resource assessments for adaptive scaling. Satisfied by
// *monitor.SystemMonitor.
type Advisor interface {
	Assess(predictive bool, horizon time.Duration) (monitor.Assessment, bool)
}

// BacklogFunc reports the total ready backlog across queues. Adaptive
// scale-up only fires when there is work to absorb the extra slots.
type BacklogFunc func(ctx context.Context) int64

type stageState struct {
	cfg     *config.StageConfig
	gate    *stageGate
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker

	executions atomic.Uint64
	failures   atomic.Uint64
	retries    atomic.Uint64

	mu        sync.Mutex
	lastScale time.Time
}

// Manager owns the global budget and every stage's execution resources.
type Manager struct {
	cfg      *config.Config
	breakers *breaker.Registry
	limiters *ratelimit.Registry
	advisor  Advisor
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// Backlog, when set before Start, enables the scale-up rule.
	Backlog BacklogFunc

	global      *semaphore.Weighted
	globalCap   int64
	globalInUse atomic.Int64

	mu     sync.RWMutex
	stages map[string]*stageState

	shuttingDown  atomic.Bool
	inflight      sync.WaitGroup
	inflightCount atomic.Int64

	scalerCancel context.CancelFunc
	scalerDone   chan struct{}
}

// NewManager creates an empty pool manager; stages are added via
// RegisterStage.
func NewManager(cfg *config.Config, breakers *breaker.Registry, limiters *ratelimit.Registry, advisor Advisor, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	g := int64(cfg.Pool.GlobalConcurrency)
	mgr := &Manager{
		cfg:       cfg,
		breakers:  breakers,
		limiters:  limiters,
		advisor:   advisor,
		bus:       bus,
		metrics:   m,
		logger:    logger.With("component", "worker_pool"),
		global:    semaphore.NewWeighted(g),
		globalCap: g,
		stages:    make(map[string]*stageState),
	}
	m.SetGlobalSlots(0, int(g))
	return mgr
}

// RegisterStage adds a stage to the pool. Registering the same stage twice
// is a no-op. Registration fails when the sum of base allocations would
// exceed the global budget.
func (m *Manager) RegisterStage(sc *config.StageConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stages[sc.Name]; ok {
		return nil
	}

	baseTotal := sc.BaseWorkers
	for _, st := range m.stages {
		baseTotal += st.cfg.BaseWorkers
	}
	if int64(baseTotal) > m.globalCap {
		return fmt.Errorf("%w: registering stage %s brings base allocations to %d over global budget %d",
			faults.ErrConfig, sc.Name, baseTotal, m.globalCap)
	}

	limiter, err := m.limiters.For(sc.Name)
	if err != nil {
		limiter = m.limiters.Register(sc)
	}
	brk, err := m.breakers.For(sc.Name)
	if err != nil {
		brk = m.breakers.Register(sc)
	}

	m.stages[sc.Name] = &stageState{
		cfg:     sc,
		gate:    newStageGate(sc.BaseWorkers),
		limiter: limiter,
		breaker: brk,
	}
	m.metrics.SetStageSlots(sc.Name, 0, sc.BaseWorkers)
	m.logger.Info("Stage registered",
		"stage", sc.Name,
		"base_workers", sc.BaseWorkers,
		"min_workers", sc.MinWorkers,
		"max_workers", sc.MaxWorkers,
		"priority", sc.Priority)
	return nil
}

// Start applies the forced concurrency distribution or, when none is
// configured, launches the adaptive scaling loop.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.Pool.ForcedConcurrency > 0 {
		m.applyForcedDistribution()
		return nil
	}
	if m.advisor == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scalerCancel != nil {
		return fmt.Errorf("%w: worker pool already started", faults.ErrConfig)
	}
	scalerCtx, cancel := context.WithCancel(ctx)
	m.scalerCancel = cancel
	m.scalerDone = make(chan struct{})
	go m.runScaler(scalerCtx)
	return nil
}

func (m *Manager) stageFor(name string) (*stageState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: stage %s not registered", faults.ErrConfig, name)
	}
	return st, nil
}

// ExecuteWithManagement runs op under the full execution contract: breaker
// admission, rate token, global slot, stage slot, job deadline, result
// recording, and retry with exponential backoff for retryable failures.
// Breaker trips, shutdowns, and non-retryable errors surface immediately.
func (m *Manager) ExecuteWithManagement(ctx context.Context, stage string, meta Meta, op Operation) error {
	if m.shuttingDown.Load() {
		m.metrics.ObserveRejection(stage, "shutdown")
		return fmt.Errorf("%w: pool rejecting new work", faults.ErrShutdown)
	}
	st, err := m.stageFor(stage)
	if err != nil {
		return err
	}

	m.inflight.Add(1)
	m.inflightCount.Add(1)
	defer func() {
		m.inflightCount.Add(-1)
		m.inflight.Done()
	}()

	maxAttempts := st.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.Timeouts.Get(config.CategoryReliability, config.TimeoutRetryDelay)
	bo.MaxInterval = retryMaxInterval
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	attempt := 0
	run := func() error {
		attempt++
		err := m.attempt(ctx, st, op)
		if err == nil {
			return nil
		}
		switch {
		case errors.Is(err, faults.ErrTripped):
			// Fast fail: open breakers do not consume retry budget.
			return backoff.Permanent(err)
		case faults.IsShutdown(err):
			return backoff.Permanent(err)
		case !faults.IsRetryable(err):
			return backoff.Permanent(err)
		case attempt >= maxAttempts:
			return backoff.Permanent(err)
		default:
			st.retries.Add(1)
			m.metrics.ObserveRetry(stage)
			m.logger.Warn("Managed execution attempt failed; retrying",
				"stage", stage,
				"job_id", meta.JobID,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"error", err)
			return err
		}
	}

	if err := backoff.Retry(run, backoff.WithContext(bo, ctx)); err != nil {
		st.failures.Add(1)
		m.metrics.ObserveExecution(stage, "failure")
		return err
	}
	st.executions.Add(1)
	m.metrics.ObserveExecution(stage, "success")
	return nil
}

// attempt makes one pass through the admission chain and runs op once.
func (m *Manager) attempt(ctx context.Context, st *stageState, op Operation) error {
	stage := st.cfg.Name

	done, err := st.breaker.Allow()
	if err != nil {
		m.metrics.ObserveRejection(stage, "tripped")
		return err
	}
	executed := false
	defer func() {
		if !executed {
			done(breaker.ErrNotExecuted)
		}
	}()

	admitCtx, cancelAdmit := context.WithTimeout(ctx,
		m.cfg.Timeouts.Get(config.CategoryReliability, config.TimeoutSlotAcquisition))
	defer cancelAdmit()

	if err := st.limiter.Acquire(admitCtx, 1); err != nil {
		m.metrics.ObserveRejection(stage, "rate_limited")
		return err
	}

	if err := m.global.Acquire(admitCtx, 1); err != nil {
		m.metrics.ObserveRejection(stage, "global_capacity")
		return fmt.Errorf("global slot: %w", faults.FromContext(err))
	}
	m.metrics.SetGlobalSlots(int(m.globalInUse.Add(1)), int(m.globalCap))
	defer func() {
		m.global.Release(1)
		m.metrics.SetGlobalSlots(int(m.globalInUse.Add(-1)), int(m.globalCap))
	}()

	if err := st.gate.acquire(admitCtx); err != nil {
		m.metrics.ObserveRejection(stage, "stage_capacity")
		return fmt.Errorf("stage slot: %w", err)
	}
	m.noteStageSlots(st)
	defer func() {
		st.gate.release()
		m.noteStageSlots(st)
	}()

	executed = true
	opCtx, cancelOp := context.WithTimeout(ctx,
		m.cfg.Timeouts.Get(config.CategoryWorker, config.TimeoutJob))
	defer cancelOp()

	opErr := op(opCtx)
	if opErr != nil {
		opErr = faults.FromContext(opErr)
	}
	done(opErr)
	return opErr
}

func (m *Manager) noteStageSlots(st *stageState) {
	inUse, limit := st.gate.snapshot()
	m.metrics.SetStageSlots(st.cfg.Name, inUse, limit)
}

// UpdateConcurrency sets a stage's slot limit, clamped to the stage's
// [min,max] bounds. It fails when the new total across stages would exceed
// the global budget.
func (m *Manager) UpdateConcurrency(stage string, newValue int, reason string) error {
	st, err := m.stageFor(stage)
	if err != nil {
		return err
	}

	clamped := newValue
	if clamped < st.cfg.MinWorkers {
		clamped = st.cfg.MinWorkers
	}
	if clamped > st.cfg.MaxWorkers {
		clamped = st.cfg.MaxWorkers
	}

	_, cur := st.gate.snapshot()
	if clamped == cur {
		return nil
	}

	m.mu.RLock()
	total := int64(clamped)
	for name, other := range m.stages {
		if name == stage {
			continue
		}
		_, limit := other.gate.snapshot()
		total += int64(limit)
	}
	m.mu.RUnlock()
	if total > m.globalCap {
		return fmt.Errorf("%w: stage %s at %d would bring total limits to %d over global budget %d",
			faults.ErrConfig, stage, clamped, total, m.globalCap)
	}

	m.applyLimit(st, clamped, reason)
	return nil
}

// applyLimit resizes a stage gate without min/max clamping and records the
// change.
func (m *Manager) applyLimit(st *stageState, newValue int, reason string) {
	_, old := st.gate.snapshot()
	if old == newValue {
		return
	}
	st.gate.resize(newValue)
	st.mu.Lock()
	st.lastScale = time.Now()
	st.mu.Unlock()

	m.noteStageSlots(st)
	m.logger.Info("Stage concurrency changed",
		"stage", st.cfg.Name,
		"old", old,
		"new", newValue,
		"reason", reason)
	m.bus.PublishConcurrencyChanged(events.ConcurrencyChangedPayload{
		Stage:  st.cfg.Name,
		Old:    old,
		New:    newValue,
		Reason: reason,
	})
}

// StageStatus is one stage's slice of the pool snapshot.
type StageStatus struct {
	Stage      string           `json:"stage"`
	Limit      int              `json:"limit"`
	InUse      int              `json:"in_use"`
	MinWorkers int              `json:"min_workers"`
	MaxWorkers int              `json:"max_workers"`
	Priority   int              `json:"priority"`
	Executions uint64           `json:"executions"`
	Failures   uint64           `json:"failures"`
	Retries    uint64           `json:"retries"`
	Breaker    breaker.Status   `json:"breaker"`
	RateLimit  ratelimit.Status `json:"rate_limit"`
}

// Status is the pool snapshot served by the status API.
type Status struct {
	GlobalCap    int                    `json:"global_cap"`
	GlobalInUse  int                    `json:"global_in_use"`
	InFlight     int64                  `json:"in_flight"`
	ShuttingDown bool                   `json:"shutting_down"`
	ForcedTotal  int                    `json:"forced_total,omitempty"`
	Stages       map[string]StageStatus `json:"stages"`
}

// GetStatus snapshots global and per-stage occupancy.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Status{
		GlobalCap:    int(m.globalCap),
		GlobalInUse:  int(m.globalInUse.Load()),
		InFlight:     m.inflightCount.Load(),
		ShuttingDown: m.shuttingDown.Load(),
		ForcedTotal:  m.cfg.Pool.ForcedConcurrency,
		Stages:       make(map[string]StageStatus, len(m.stages)),
	}
	for name, st := range m.stages {
		inUse, limit := st.gate.snapshot()
		out.Stages[name] = StageStatus{
			Stage:      name,
			Limit:      limit,
			InUse:      inUse,
			MinWorkers: st.cfg.MinWorkers,
			MaxWorkers: st.cfg.MaxWorkers,
			Priority:   st.cfg.Priority,
			Executions: st.executions.Load(),
			Failures:   st.failures.Load(),
			Retries:    st.retries.Load(),
			Breaker:    st.breaker.Status(),
			RateLimit: ratelimit.Status{
				Tokens:   st.limiter.Tokens(),
				Capacity: st.limiter.Capacity(),
				Rate:     st.limiter.Rate(),
			},
		}
	}
	return out
}

// Shutdown stops accepting new executions and waits up to timeout for
// in-flight work to finish. Work still running afterwards keeps its slots
// until its own context ends; the caller gets faults.ErrTimeout.
func (m *Manager) Shutdown(timeout time.Duration) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	cancel, done := m.scalerCancel, m.scalerDone
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	m.logger.Info("Worker pool shutting down",
		"in_flight", m.inflightCount.Load(),
		"timeout", timeout.String())

	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		m.logger.Info("Worker pool drained")
		return nil
	case <-time.After(timeout):
		remaining := m.inflightCount.Load()
		m.logger.Warn("Worker pool shutdown timed out",
			"remaining", remaining)
		return fmt.Errorf("%w: %d managed executions still in flight after %s",
			faults.ErrTimeout, remaining, timeout)
	}
}
