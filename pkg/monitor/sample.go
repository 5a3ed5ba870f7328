package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/graphsmith/graphsmith/pkg/faults"
)

// Metric names a sampled dimension.
type Metric string

const (
	MetricCPU        Metric = "cpu"
	MetricHeap       Metric = "heap"
	MetricMemory     Metric = "memory"
	MetricLoad       Metric = "load"
	MetricSchedDelay Metric = "sched_delay"
)

// Sample is one point-in-time resource measurement. Percent values are in
// [0,100]; Load is the 1-minute load average normalized by CPU count.
type Sample struct {
	Timestamp     time.Time     `json:"timestamp"`
	CPUPercent    float64       `json:"cpu_percent"`
	HeapPercent   float64       `json:"heap_percent"`
	MemoryPercent float64       `json:"memory_percent"`
	LoadPercent   float64       `json:"load_percent"`
	SchedDelay    time.Duration `json:"sched_delay_ns"`
}

// Value extracts one metric from the sample.
func (s Sample) Value(m Metric) float64 {
	switch m {
	case MetricCPU:
		return s.CPUPercent
	case MetricHeap:
		return s.HeapPercent
	case MetricMemory:
		return s.MemoryPercent
	case MetricLoad:
		return s.LoadPercent
	case MetricSchedDelay:
		return s.SchedDelay.Seconds() * 1000 // milliseconds
	default:
		return 0
	}
}

// Probe collects one sample. The system probe reads the host; tests inject
// scripted probes.
type Probe interface {
	Sample(ctx context.Context) (Sample, error)
}

// systemProbe reads host utilization via gopsutil and heap pressure from the
// Go runtime.
type systemProbe struct {
	numCPU float64
}

// NewSystemProbe returns the host-backed probe.
func NewSystemProbe() Probe {
	return &systemProbe{numCPU: float64(runtime.NumCPU())}
}

func (p *systemProbe) Sample(ctx context.Context) (Sample, error) {
	// Interval zero compares against the previous call, so the sampling
	// loop itself defines the measurement window.
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, faults.Transient(err)
	}
	var cpuPct float64
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, faults.Transient(err)
	}

	var loadPct float64
	if avg, err := load.AvgWithContext(ctx); err == nil && p.numCPU > 0 {
		loadPct = avg.Load1 / p.numCPU * 100
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	var heapPct float64
	if ms.HeapSys > 0 {
		heapPct = float64(ms.HeapInuse) / float64(ms.HeapSys) * 100
	}

	return Sample{
		Timestamp:     time.Now(),
		CPUPercent:    cpuPct,
		HeapPercent:   heapPct,
		MemoryPercent: vm.UsedPercent,
		LoadPercent:   loadPct,
	}, nil
}
