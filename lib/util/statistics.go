package util

import (
	"math"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Stats summarizes a set of samples
type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes mean, population standard deviation, minimum and maximum of
// values. An empty input yields the zero Stats.
func NewStats(values []int64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	lo, hi := gometrics.SampleMin(values), gometrics.SampleMax(values)
	ratio := 1.0
	if hi > 0 {
		ratio = float64(lo) / float64(hi)
	}

	return Stats{
		StdDeviation: gometrics.SampleStdDev(values),
		Min:          float64(lo),
		Max:          float64(hi),
		Mean:         gometrics.SampleMean(values),
		MinMaxRatio:  ratio,
	}
}

// DistributionStats rates how evenly values (e.g. shard sizes) are spread
type DistributionStats struct {
	Stats
	DistributionQuality float64 `json:"distribution_quality"` // 1 = perfectly even
}

// NewDistributionStats combines the coefficient of variation and the min/max
// ratio of values into a quality score between 0 and 1.
func NewDistributionStats(values []int64) DistributionStats {
	stats := NewStats(values)

	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	return DistributionStats{
		Stats:               stats,
		DistributionQuality: (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5,
	}
}

// DurationsToMicros converts durations to whole microseconds for NewStats
func DurationsToMicros(ds []time.Duration) []int64 {
	out := make([]int64, len(ds))
	for i, d := range ds {
		out[i] = d.Microseconds()
	}
	return out
}
