// Package health runs the pipeline's liveness loops: a global snapshot loop,
// a per-worker loop, and dependency probes with optional recovery actions.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/queue"
)

// Probe checks one dependency. A nil error means healthy. Probes manage
// their own deadlines; the loop context only signals shutdown.
type Probe func(ctx context.Context) error

// Recovery attempts to restore a dependency after it is flagged unhealthy.
type Recovery func(ctx context.Context) error

// WorkersFunc returns current worker snapshots; wired by the coordinator.
type WorkersFunc func() []queue.WorkerHealth

// DependencyStatus is one probe's current verdict.
type DependencyStatus struct {
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastChecked         time.Time `json:"last_checked,omitempty"`
	Recoveries          int64     `json:"recoveries,omitempty"`
}

// Snapshot is the aggregate view served by /healthz.
type Snapshot struct {
	Healthy      bool                 `json:"healthy"`
	Dependencies []DependencyStatus   `json:"dependencies"`
	Workers      []queue.WorkerHealth `json:"workers,omitempty"`
	CheckedAt    time.Time            `json:"checked_at"`
}

type dependency struct {
	name     string
	probe    Probe
	recovery Recovery

	healthy              bool
	consecutiveFailures  int
	consecutiveSuccesses int
	lastErr              string
	lastChecked          time.Time
	recoveries           int64
}

// Monitor owns the three health loops. Dependencies flip unhealthy after
// UnhealthyThreshold consecutive probe failures and recover after
// RecoveryThreshold consecutive successes.
type Monitor struct {
	cfg     *config.HealthConfig
	bus     *events.Bus
	workers WorkersFunc
	logger  *slog.Logger

	mu    sync.Mutex
	deps  map[string]*dependency
	order []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds an idle monitor. workers may be nil when no worker loop
// is wanted (the worker loop then only ticks without emitting).
func NewMonitor(cfg *config.HealthConfig, bus *events.Bus, workers WorkersFunc, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		bus:     bus,
		workers: workers,
		logger:  logger.With("component", "health_monitor"),
		deps:    make(map[string]*dependency),
	}
}

// Register adds a named dependency probe. recovery may be nil. Probes start
// out healthy; registration order is the snapshot order.
func (m *Monitor) Register(name string, probe Probe, recovery Recovery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.deps[name]; dup {
		m.logger.Warn("Duplicate health probe replaced", "name", name)
	} else {
		m.order = append(m.order, name)
	}
	m.deps[name] = &dependency{name: name, probe: probe, recovery: recovery, healthy: true}
}

// Start launches the global, worker, and dependency loops.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.loop(ctx, m.cfg.GlobalInterval, m.checkGlobal)
	m.loop(ctx, m.cfg.WorkerInterval, m.checkWorkers)
	m.loop(ctx, m.cfg.DependencyInterval, m.checkDependencies)
	m.logger.Info("Health monitor started",
		"global_interval", m.cfg.GlobalInterval,
		"worker_interval", m.cfg.WorkerInterval,
		"dependency_interval", m.cfg.DependencyInterval)
}

// Stop halts all loops and waits for them to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, check func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		check(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check(ctx)
			}
		}
	}()
}

// checkGlobal aggregates the current state and raises a warning alert while
// anything is unhealthy.
func (m *Monitor) checkGlobal(context.Context) {
	snap := m.SnapshotNow()
	if snap.Healthy {
		return
	}

	var bad []string
	for _, d := range snap.Dependencies {
		if !d.Healthy {
			bad = append(bad, d.Name)
		}
	}
	for _, w := range snap.Workers {
		if w.Stopped {
			bad = append(bad, "worker:"+w.WorkerID)
		}
	}
	m.bus.PublishSystemAlert(events.SystemAlertPayload{
		Level:   events.AlertWarning,
		Metric:  "health",
		Message: fmt.Sprintf("system unhealthy: %s", strings.Join(bad, ", ")),
	})
	m.logger.Warn("System unhealthy", "components", strings.Join(bad, ", "))
}

// checkWorkers emits one workerHealth event per worker snapshot.
func (m *Monitor) checkWorkers(context.Context) {
	if m.workers == nil {
		return
	}
	for _, w := range m.workers() {
		healthy := !w.Stopped
		m.bus.PublishWorkerHealth(events.WorkerHealthPayload{
			WorkerID:      w.WorkerID,
			Stage:         w.Stage,
			Healthy:       healthy,
			JobsProcessed: w.JobsProcessed,
			Detail:        w.LastError,
		})
		if !healthy {
			m.logger.Warn("Worker unhealthy", "worker_id", w.WorkerID, "stage", w.Stage)
		}
	}
}

// checkDependencies probes every registered dependency and drives the
// threshold state machine.
func (m *Monitor) checkDependencies(ctx context.Context) {
	for _, dep := range m.snapshotDeps() {
		err := dep.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		m.recordProbe(ctx, dep.name, err)
	}
}

// snapshotDeps copies the registry so probes run outside the lock.
func (m *Monitor) snapshotDeps() []*dependency {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*dependency, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.deps[name])
	}
	return out
}

func (m *Monitor) recordProbe(ctx context.Context, name string, probeErr error) {
	m.mu.Lock()
	dep, ok := m.deps[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	dep.lastChecked = time.Now()

	if probeErr == nil {
		dep.consecutiveFailures = 0
		dep.consecutiveSuccesses++
		if !dep.healthy && dep.consecutiveSuccesses >= m.cfg.RecoveryThreshold {
			dep.healthy = true
			dep.lastErr = ""
			m.mu.Unlock()
			m.bus.PublishDependencyHealth(events.DependencyHealthPayload{
				Name: name, Healthy: true, Recovered: true,
			})
			m.logger.Info("Dependency recovered", "name", name)
			return
		}
		m.mu.Unlock()
		return
	}

	dep.consecutiveSuccesses = 0
	dep.consecutiveFailures++
	dep.lastErr = probeErr.Error()
	failures := dep.consecutiveFailures
	wasHealthy := dep.healthy
	flipped := wasHealthy && failures >= m.cfg.UnhealthyThreshold
	if flipped {
		dep.healthy = false
	}
	recovery := dep.recovery
	m.mu.Unlock()

	if !wasHealthy || flipped {
		m.bus.PublishDependencyHealth(events.DependencyHealthPayload{
			Name:                name,
			Healthy:             false,
			ConsecutiveFailures: failures,
			Error:               probeErr.Error(),
		})
	}
	if !flipped {
		return
	}

	m.bus.PublishSystemAlert(events.SystemAlertPayload{
		Level:   events.AlertCritical,
		Metric:  "dependency",
		Message: fmt.Sprintf("dependency %s unhealthy after %d failures: %v", name, failures, probeErr),
	})
	m.logger.Error("Dependency unhealthy", "name", name, "failures", failures, "error", probeErr)

	if recovery == nil {
		return
	}
	if err := recovery(ctx); err != nil {
		m.logger.Warn("Dependency recovery action failed", "name", name, "error", err)
		return
	}
	m.mu.Lock()
	dep.recoveries++
	m.mu.Unlock()
	m.logger.Info("Dependency recovery action ran", "name", name)
}

// SnapshotNow reports the current state without probing.
func (m *Monitor) SnapshotNow() Snapshot {
	m.mu.Lock()
	snap := Snapshot{Healthy: true, CheckedAt: time.Now()}
	for _, name := range m.order {
		dep := m.deps[name]
		snap.Dependencies = append(snap.Dependencies, DependencyStatus{
			Name:                dep.name,
			Healthy:             dep.healthy,
			ConsecutiveFailures: dep.consecutiveFailures,
			LastError:           dep.lastErr,
			LastChecked:         dep.lastChecked,
			Recoveries:          dep.recoveries,
		})
		if !dep.healthy {
			snap.Healthy = false
		}
	}
	m.mu.Unlock()

	if m.workers != nil {
		snap.Workers = m.workers()
		for _, w := range snap.Workers {
			if w.Stopped {
				snap.Healthy = false
			}
		}
	}
	return snap
}
