// Package metrics exposes Prometheus instrumentation for the pipeline.
//
// All collectors hang off one private registry so tests can construct
// isolated instances. A nil *Metrics is valid everywhere: every method
// no-ops, letting components run unmetered.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "graphsmith"

// Metrics bundles every collector used across the pipeline.
type Metrics struct {
	reg *prometheus.Registry

	globalSlotsInUse prometheus.Gauge
	globalSlotCap    prometheus.Gauge
	stageSlotsInUse  *prometheus.GaugeVec
	stageLimit       *prometheus.GaugeVec
	executions       *prometheus.CounterVec
	retries          *prometheus.CounterVec
	rejections       *prometheus.CounterVec

	queueDepth    *prometheus.GaugeVec
	jobsEnqueued  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec

	outboxPublished prometheus.Counter
	outboxFailed    prometheus.Counter
	outboxPending   prometheus.Gauge

	checkpointWrites      *prometheus.CounterVec
	checkpointInvalidated prometheus.Counter
	checkpointLatency     prometheus.Histogram

	systemCPU    prometheus.Gauge
	systemHeap   prometheus.Gauge
	systemMemory prometheus.Gauge
	systemLoad   prometheus.Gauge
	schedDelay   prometheus.Gauge

	llmRequests *prometheus.CounterVec
	llmLatency  prometheus.Histogram
}

// New builds a metrics bundle with its own registry, including the standard
// Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		globalSlotsInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "global_slots_in_use",
			Help: "Global concurrency slots currently held.",
		}),
		globalSlotCap: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "global_slot_cap",
			Help: "Configured global concurrency budget.",
		}),
		stageSlotsInUse: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "stage_slots_in_use",
			Help: "Stage slots currently held.",
		}, []string{"stage"}),
		stageLimit: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "stage_concurrency_limit",
			Help: "Current per-stage concurrency limit.",
		}, []string{"stage"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "executions_total",
			Help: "Managed executions by final result.",
		}, []string{"stage", "result"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "retries_total",
			Help: "Retry attempts inside managed executions.",
		}, []string{"stage"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "rejections_total",
			Help: "Executions rejected before the operation ran.",
		}, []string{"stage", "reason"}),

		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Jobs per queue and state.",
		}, []string{"queue", "state"}),
		jobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Jobs added per queue.",
		}, []string{"queue"}),
		jobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_completed_total",
			Help: "Jobs completed per queue.",
		}, []string{"queue"}),
		jobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_failed_total",
			Help: "Job failures per queue and outcome.",
		}, []string{"queue", "outcome"}),

		outboxPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "published_total",
			Help: "Outbox rows successfully published.",
		}),
		outboxFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "failed_total",
			Help: "Outbox rows parked as failed.",
		}),
		outboxPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "pending",
			Help: "Outbox rows awaiting publication.",
		}),

		checkpointWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "writes_total",
			Help: "Checkpoint rows written per stage.",
		}, []string{"stage"}),
		checkpointInvalidated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "invalidated_total",
			Help: "Checkpoints invalidated by rollbacks.",
		}),
		checkpointLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "write_seconds",
			Help:    "Checkpoint write latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		systemCPU: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "system", Name: "cpu_percent",
			Help: "Sampled CPU utilization.",
		}),
		systemHeap: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "system", Name: "heap_percent",
			Help: "Heap in use as a share of heap obtained from the OS.",
		}),
		systemMemory: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "system", Name: "memory_percent",
			Help: "System virtual memory utilization.",
		}),
		systemLoad: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "system", Name: "load_percent",
			Help: "1-minute load average normalized by CPU count.",
		}),
		schedDelay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "system", Name: "sched_delay_seconds",
			Help: "Scheduler delay measured as monitor ticker drift.",
		}),

		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "requests_total",
			Help: "LLM requests by outcome.",
		}, []string{"outcome"}),
		llmLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "llm", Name: "request_seconds",
			Help:    "LLM request latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetGlobalSlots records global slot occupancy against the budget.
func (m *Metrics) SetGlobalSlots(inUse, cap int) {
	if m == nil {
		return
	}
	m.globalSlotsInUse.Set(float64(inUse))
	m.globalSlotCap.Set(float64(cap))
}

// SetStageSlots records one stage's slot occupancy and limit.
func (m *Metrics) SetStageSlots(stage string, inUse, limit int) {
	if m == nil {
		return
	}
	m.stageSlotsInUse.WithLabelValues(stage).Set(float64(inUse))
	m.stageLimit.WithLabelValues(stage).Set(float64(limit))
}

// ObserveExecution counts one finished managed execution.
func (m *Metrics) ObserveExecution(stage, result string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(stage, result).Inc()
}

// ObserveRetry counts one retry attempt.
func (m *Metrics) ObserveRetry(stage string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage).Inc()
}

// ObserveRejection counts an execution rejected before running.
func (m *Metrics) ObserveRejection(stage, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(stage, reason).Inc()
}

// SetQueueDepth records one queue state's depth.
func (m *Metrics) SetQueueDepth(queue, state string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue, state).Set(float64(n))
}

// ObserveEnqueue counts a job added to a queue.
func (m *Metrics) ObserveEnqueue(queue string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(queue).Inc()
}

// ObserveJobCompleted counts a completed job.
func (m *Metrics) ObserveJobCompleted(queue string) {
	if m == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(queue).Inc()
}

// ObserveJobFailed counts a failed job attempt with its outcome
// (retried, dead_lettered, failed).
func (m *Metrics) ObserveJobFailed(queue, outcome string) {
	if m == nil {
		return
	}
	m.jobsFailed.WithLabelValues(queue, outcome).Inc()
}

// ObserveOutboxPublished counts rows handed to the queue layer.
func (m *Metrics) ObserveOutboxPublished(n int) {
	if m == nil {
		return
	}
	m.outboxPublished.Add(float64(n))
}

// ObserveOutboxFailed counts rows parked as failed.
func (m *Metrics) ObserveOutboxFailed() {
	if m == nil {
		return
	}
	m.outboxFailed.Inc()
}

// SetOutboxPending records the pending backlog size.
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

// ObserveCheckpointWrite records one checkpoint write and its latency.
func (m *Metrics) ObserveCheckpointWrite(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.checkpointWrites.WithLabelValues(stage).Inc()
	m.checkpointLatency.Observe(d.Seconds())
}

// ObserveCheckpointInvalidated counts checkpoints invalidated by rollback.
func (m *Metrics) ObserveCheckpointInvalidated(n int) {
	if m == nil {
		return
	}
	m.checkpointInvalidated.Add(float64(n))
}

// SetSystemSample records one monitor sample.
func (m *Metrics) SetSystemSample(cpu, heap, mem, load float64, schedDelay time.Duration) {
	if m == nil {
		return
	}
	m.systemCPU.Set(cpu)
	m.systemHeap.Set(heap)
	m.systemMemory.Set(mem)
	m.systemLoad.Set(load)
	m.schedDelay.Set(schedDelay.Seconds())
}

// ObserveLLMRequest records one LLM call.
func (m *Metrics) ObserveLLMRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(outcome).Inc()
	m.llmLatency.Observe(d.Seconds())
}
