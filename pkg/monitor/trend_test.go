package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// rampSamples builds one sample per second with CPU values taken from vals.
func rampSamples(vals ...float64) []Sample {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	out := make([]Sample, len(vals))
	for i, v := range vals {
		out[i] = Sample{Timestamp: t0.Add(time.Duration(i) * time.Second), CPUPercent: v}
	}
	return out
}

func TestComputeTrendIncreasing(t *testing.T) {
	tr := computeTrend(rampSamples(10, 20, 30, 40, 50), MetricCPU)

	assert.Equal(t, TrendIncreasing, tr.Direction)
	assert.InDelta(t, 10.0, tr.Slope, 0.001)
	assert.InDelta(t, 100.0, tr.Confidence, 0.1)
}

func TestComputeTrendDecreasing(t *testing.T) {
	tr := computeTrend(rampSamples(80, 72, 65, 55, 48, 40), MetricCPU)

	assert.Equal(t, TrendDecreasing, tr.Direction)
	assert.Negative(t, tr.Slope)
	assert.Greater(t, tr.Confidence, 95.0)
}

func TestComputeTrendStable(t *testing.T) {
	tr := computeTrend(rampSamples(50, 50, 50, 50, 50), MetricCPU)

	assert.Equal(t, TrendStable, tr.Direction)
	assert.Zero(t, tr.Slope)
	assert.Equal(t, 100.0, tr.Confidence)
}

func TestComputeTrendNoisyHasLowerConfidence(t *testing.T) {
	tr := computeTrend(rampSamples(50, 80, 20, 75, 30, 60), MetricCPU)

	assert.Less(t, tr.Confidence, 75.0)
}

func TestComputeTrendInsufficientData(t *testing.T) {
	tr := computeTrend(rampSamples(10, 20), MetricCPU)

	assert.Equal(t, TrendInsufficientData, tr.Direction)
	assert.Zero(t, tr.Confidence)
}

func TestExtrapolateClampsPercent(t *testing.T) {
	tr := Trend{Metric: MetricCPU, Direction: TrendIncreasing, Slope: 10}

	assert.InDelta(t, 80.0, tr.Extrapolate(50, 3*time.Second), 0.001)
	assert.Equal(t, 100.0, tr.Extrapolate(90, 30*time.Second))

	down := Trend{Metric: MetricCPU, Direction: TrendDecreasing, Slope: -10}
	assert.Equal(t, 0.0, down.Extrapolate(20, 30*time.Second))
}
