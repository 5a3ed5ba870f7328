// Package monitor samples host and runtime resource utilization, keeps a
// bounded history, and derives trends, predictions, and threshold alerts.
// The worker pool consults it for adaptive scaling; everyone else listens
// for systemAlert events.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/metrics"
)

// warningMargin is subtracted from a critical threshold to get its warning
// threshold.
const warningMargin = 10.0

// SystemMonitor runs the sampling loop.
type SystemMonitor struct {
	cfg      *config.MonitorConfig
	timeouts *config.TimeoutRegistry
	bus      *events.Bus
	probe    Probe
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.RWMutex
	ring      []Sample
	next      int
	full      bool
	lastAlert map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. A nil probe selects the host-backed system probe.
func New(cfg *config.MonitorConfig, timeouts *config.TimeoutRegistry, bus *events.Bus, probe Probe, m *metrics.Metrics, logger *slog.Logger) *SystemMonitor {
	if probe == nil {
		probe = NewSystemProbe()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ringSize := cfg.RingSize
	if ringSize <= 0 {
		ringSize = 100
	}
	return &SystemMonitor{
		cfg:       cfg,
		timeouts:  timeouts,
		bus:       bus,
		probe:     probe,
		metrics:   m,
		logger:    logger.With("component", "system_monitor"),
		ring:      make([]Sample, ringSize),
		lastAlert: make(map[string]time.Time),
		done:      make(chan struct{}),
	}
}

// Start launches the sampling loop. It fails if called twice.
func (m *SystemMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: system monitor already started", faults.ErrConfig)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	interval := m.timeouts.Get(config.CategoryMonitoring, config.TimeoutSample)
	m.logger.Info("Starting system monitor",
		"sample_interval", interval.String(),
		"ring_size", len(m.ring),
		"trend_window", m.cfg.TrendWindow)

	go m.run(runCtx, interval)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (m *SystemMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-m.done
	m.logger.Info("System monitor stopped")
}

func (m *SystemMonitor) run(ctx context.Context, interval time.Duration) {
	defer close(m.done)

	// First sample lands immediately so consumers never start blind.
	m.sampleOnce(ctx, 0)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	expected := time.Now().Add(interval)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			drift := now.Sub(expected)
			if drift < 0 {
				drift = 0
			}
			expected = now.Add(interval)
			m.sampleOnce(ctx, drift)
		}
	}
}

func (m *SystemMonitor) sampleOnce(ctx context.Context, drift time.Duration) {
	sampleCtx, cancel := context.WithTimeout(ctx, m.timeouts.Get(config.CategoryMonitoring, config.TimeoutSample))
	defer cancel()

	s, err := m.probe.Sample(sampleCtx)
	if err != nil {
		if !faults.IsShutdown(err) {
			m.logger.Warn("Resource sample failed", "error", err)
		}
		return
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	s.SchedDelay = drift

	m.append(s)
	m.metrics.SetSystemSample(s.CPUPercent, s.HeapPercent, s.MemoryPercent, s.LoadPercent, s.SchedDelay)
	m.checkThresholds(s)
}

func (m *SystemMonitor) append(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = s
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
}

// Latest returns the most recent sample.
func (m *SystemMonitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.full && m.next == 0 {
		return Sample{}, false
	}
	idx := (m.next - 1 + len(m.ring)) % len(m.ring)
	return m.ring[idx], true
}

// History returns retained samples in chronological order.
func (m *SystemMonitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.historyLocked()
}

func (m *SystemMonitor) historyLocked() []Sample {
	if !m.full {
		return append([]Sample(nil), m.ring[:m.next]...)
	}
	out := make([]Sample, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	out = append(out, m.ring[:m.next]...)
	return out
}

// Trend fits the configured window of recent samples for one metric.
func (m *SystemMonitor) Trend(metric Metric) Trend {
	history := m.History()
	window := m.cfg.TrendWindow
	if window <= 0 {
		window = 20
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	return computeTrend(history, metric)
}

// Predict extrapolates a metric horizon ahead. ok is false when there is no
// trend with confidence at or above the configured minimum.
func (m *SystemMonitor) Predict(metric Metric, horizon time.Duration) (value float64, confidence float64, ok bool) {
	last, haveSample := m.Latest()
	if !haveSample {
		return 0, 0, false
	}
	t := m.Trend(metric)
	if t.Direction == TrendInsufficientData || t.Confidence < m.cfg.MinConfidence {
		return last.Value(metric), t.Confidence, false
	}
	return t.Extrapolate(last.Value(metric), horizon), t.Confidence, true
}

// Assessment is the view the worker pool scales against: current values plus
// the CPU trend, optionally replaced by confident predictions.
type Assessment struct {
	Sample    Sample
	CPUTrend  Trend
	Predicted bool
}

// Assess returns the latest sample, or, when predictive is set and the
// trends are confident enough, the sample extrapolated horizon ahead.
func (m *SystemMonitor) Assess(predictive bool, horizon time.Duration) (Assessment, bool) {
	last, ok := m.Latest()
	if !ok {
		return Assessment{}, false
	}
	a := Assessment{Sample: last, CPUTrend: m.Trend(MetricCPU)}
	if !predictive {
		return a, true
	}
	for _, metric := range []Metric{MetricCPU, MetricMemory, MetricLoad} {
		if v, _, ok := m.Predict(metric, horizon); ok {
			a.Predicted = true
			switch metric {
			case MetricCPU:
				a.Sample.CPUPercent = v
			case MetricMemory:
				a.Sample.MemoryPercent = v
			case MetricLoad:
				a.Sample.LoadPercent = v
			}
		}
	}
	return a, true
}

// thresholdFor maps a metric to its configured critical threshold; zero
// disables alerting for the metric.
func (m *SystemMonitor) thresholdFor(metric Metric) float64 {
	switch metric {
	case MetricCPU:
		return m.cfg.CPUThreshold
	case MetricMemory:
		return m.cfg.MemoryThreshold
	case MetricLoad:
		return m.cfg.LoadThreshold
	default:
		return 0
	}
}

func (m *SystemMonitor) checkThresholds(s Sample) {
	for _, metric := range []Metric{MetricCPU, MetricMemory, MetricLoad} {
		critical := m.thresholdFor(metric)
		if critical <= 0 {
			continue
		}
		value := s.Value(metric)
		switch {
		case value >= critical:
			m.alert(events.AlertCritical, metric, value, critical, s.Timestamp)
		case value >= critical-warningMargin:
			m.alert(events.AlertWarning, metric, value, critical-warningMargin, s.Timestamp)
		}
	}
}

func (m *SystemMonitor) alert(level events.AlertLevel, metric Metric, value, threshold float64, at time.Time) {
	cooldown := m.timeouts.Get(config.CategoryMonitoring, config.TimeoutAlertCooldown)
	key := string(metric) + ":" + string(level)

	m.mu.Lock()
	if last, ok := m.lastAlert[key]; ok && at.Sub(last) < cooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[key] = at
	m.mu.Unlock()

	m.logger.Warn("Resource threshold crossed",
		"level", string(level),
		"metric", string(metric),
		"value", fmt.Sprintf("%.1f", value),
		"threshold", threshold)
	m.bus.PublishSystemAlert(events.SystemAlertPayload{
		Level:     level,
		Metric:    string(metric),
		Value:     value,
		Threshold: threshold,
		Message:   fmt.Sprintf("%s at %.1f%% crossed %s threshold %.1f%%", metric, value, level, threshold),
	})
}
