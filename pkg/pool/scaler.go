package pool

import (
	"context"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/monitor"
)

// Adaptive scaling factors and the idle-CPU gate for scale-up.
const (
	scaleDownFactor = 0.7
	scaleUpFactor   = 1.3
	idleCPUPercent  = 30.0
)

func (m *Manager) runScaler(ctx context.Context) {
	defer close(m.scalerDone)

	interval := m.cfg.Pool.AdaptiveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.logger.Info("Adaptive scaling started",
		"interval", interval.String(),
		"predictive", m.cfg.Pool.PredictiveScaling)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluateScaling(ctx)
		}
	}
}

// evaluateScaling applies the first matching rule to every stage not on
// cooldown.
func (m *Manager) evaluateScaling(ctx context.Context) {
	a, ok := m.advisor.Assess(m.cfg.Pool.PredictiveScaling, m.cfg.Pool.PredictionHorizon)
	if !ok {
		return
	}
	s := a.Sample

	var reason string
	var factor float64
	requestGC := false
	switch {
	case s.CPUPercent > m.cfg.Monitor.CPUThreshold:
		reason, factor = "cpu_critical", scaleDownFactor
	case s.MemoryPercent > m.cfg.Monitor.MemoryThreshold:
		reason, factor = "memory_critical", scaleDownFactor
	case s.LoadPercent > m.cfg.Monitor.LoadThreshold:
		reason, factor = "load_critical", scaleDownFactor
		requestGC = true
	case s.CPUPercent < idleCPUPercent && a.CPUTrend.Direction == monitor.TrendDecreasing && m.backlogReady(ctx):
		reason, factor = "cpu_idle", scaleUpFactor
	default:
		return
	}
	if a.Predicted {
		reason = "predicted_" + reason
	}
	if requestGC {
		runtime.GC()
	}

	cooldown := m.cfg.Pool.ScaleCooldown
	now := time.Now()

	m.mu.RLock()
	states := make([]*stageState, 0, len(m.stages))
	for _, st := range m.stages {
		states = append(states, st)
	}
	m.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		onCooldown := !st.lastScale.IsZero() && now.Sub(st.lastScale) < cooldown
		st.mu.Unlock()
		if onCooldown {
			continue
		}

		_, cur := st.gate.snapshot()
		var next int
		if factor < 1 {
			next = int(math.Floor(float64(cur) * factor))
		} else {
			next = int(math.Ceil(float64(cur) * factor))
		}
		if err := m.UpdateConcurrency(st.cfg.Name, next, reason); err != nil {
			m.logger.Debug("Adaptive scaling change rejected",
				"stage", st.cfg.Name,
				"target", next,
				"error", err)
		}
	}
}

func (m *Manager) backlogReady(ctx context.Context) bool {
	if m.Backlog == nil {
		return false
	}
	return m.Backlog(ctx) > 0
}

// distributeForced splits a forced total across stages by priority. With
// fewer slots than stages, the top-priority stages get one slot each and the
// rest get zero; otherwise everyone gets the floor share and higher-priority
// stages absorb the remainder.
func distributeForced(total int, stages []*config.StageConfig) map[string]int {
	ordered := append([]*config.StageConfig(nil), stages...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Name < ordered[j].Name
	})

	out := make(map[string]int, len(ordered))
	n := len(ordered)
	if n == 0 || total <= 0 {
		for _, sc := range ordered {
			out[sc.Name] = 0
		}
		return out
	}

	if total < n {
		for i, sc := range ordered {
			if i < total {
				out[sc.Name] = 1
			} else {
				out[sc.Name] = 0
			}
		}
		return out
	}

	share := total / n
	remainder := total % n
	for i, sc := range ordered {
		v := share
		if i < remainder {
			v++
		}
		out[sc.Name] = v
	}
	return out
}

// applyForcedDistribution resizes every registered stage to its forced
// allocation. Forced allocations bypass the stage min/max bounds and the
// adaptive scaler.
func (m *Manager) applyForcedDistribution() {
	total := m.cfg.Pool.ForcedConcurrency

	m.mu.RLock()
	cfgs := make([]*config.StageConfig, 0, len(m.stages))
	for _, st := range m.stages {
		cfgs = append(cfgs, st.cfg)
	}
	m.mu.RUnlock()

	alloc := distributeForced(total, cfgs)
	m.logger.Info("Forced concurrency distribution applied",
		"total", total,
		"stages", len(cfgs))

	for name, v := range alloc {
		st, err := m.stageFor(name)
		if err != nil {
			continue
		}
		m.applyLimit(st, v, "forced_distribution")
	}
}
