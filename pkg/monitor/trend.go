package monitor

import (
	"math"
	"time"
)

// Direction classifies a metric's movement over the trend window.
type Direction string

const (
	TrendIncreasing       Direction = "increasing"
	TrendDecreasing       Direction = "decreasing"
	TrendStable           Direction = "stable"
	TrendInsufficientData Direction = "insufficient_data"
)

// trendMinSamples is the smallest window a regression is computed over.
const trendMinSamples = 5

// stableSlope is the slope magnitude (units per second) below which a trend
// counts as stable.
const stableSlope = 0.05

// Trend is a least-squares fit over recent samples of one metric.
// Confidence is |Pearson r| scaled to [0,100].
type Trend struct {
	Metric     Metric    `json:"metric"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Slope      float64   `json:"slope_per_second"`
}

// computeTrend fits the last len(samples) points of one metric. Samples must
// be in chronological order.
func computeTrend(samples []Sample, metric Metric) Trend {
	t := Trend{Metric: metric, Direction: TrendInsufficientData}
	if len(samples) < trendMinSamples {
		return t
	}

	t0 := samples[0].Timestamp
	var sumX, sumY, sumXX, sumXY, sumYY float64
	n := float64(len(samples))
	for _, s := range samples {
		x := s.Timestamp.Sub(t0).Seconds()
		y := s.Value(metric)
		sumX += x
		sumY += y
		sumXX += x * x
		sumXY += x * y
		sumYY += y * y
	}

	denomX := n*sumXX - sumX*sumX
	if denomX == 0 {
		// All samples at the same instant; nothing to fit.
		return t
	}
	slope := (n*sumXY - sumX*sumY) / denomX
	t.Slope = slope

	denomY := n*sumYY - sumY*sumY
	switch {
	case denomY == 0:
		// Perfectly flat series.
		t.Direction = TrendStable
		t.Confidence = 100
		t.Slope = 0
		return t
	default:
		r := (n*sumXY - sumX*sumY) / math.Sqrt(denomX*denomY)
		t.Confidence = math.Abs(r) * 100
	}

	switch {
	case math.Abs(slope) < stableSlope:
		t.Direction = TrendStable
	case slope > 0:
		t.Direction = TrendIncreasing
	default:
		t.Direction = TrendDecreasing
	}
	return t
}

// Extrapolate projects the trend horizon ahead of the last sample's value,
// clamped to [0,100] for percent metrics.
func (t Trend) Extrapolate(last float64, horizon time.Duration) float64 {
	v := last + t.Slope*horizon.Seconds()
	if t.Metric != MetricSchedDelay {
		v = math.Max(0, math.Min(100, v))
	}
	return v
}
