// Package fpsstats measures how regularly captures arrived from one device.
package fpsstats

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum allowed FPS standard deviation as a fraction of mean FPS.
	// Example: 30 FPS mean → stable if stddev < 4.5 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum allowed mean jitter as a fraction of expected interval.
	// Example: 30 FPS (33ms interval) → stable if jitter < 6.6ms
	jitterStabilityThreshold = 0.20
)

// Stats summarizes capture arrivals for one device
type Stats struct {
	// Frames is the number of captures written
	Frames int
	// Duration is the measurement window
	Duration time.Duration
	// FPSMean is frames over duration
	FPSMean float64
	// FPSStdDev is the standard deviation of instantaneous FPS
	FPSStdDev float64
	// FPSMin is the minimum instantaneous FPS
	FPSMin float64
	// FPSMax is the maximum instantaneous FPS
	FPSMax float64
	// JitterMean is the mean deviation from the expected interval, in seconds
	JitterMean float64
	// JitterStdDev is the standard deviation of jitter, in seconds
	JitterStdDev float64
	// JitterMax is the largest deviation from the expected interval, in seconds
	JitterMax float64
	// DeliveryRatio is Frames over the frames the target rate would produce (0 without a target)
	DeliveryRatio float64
	// IsStable is true when FPS stddev < 15% of mean and jitter < 20% of the expected interval
	IsStable bool
}

// Calculate computes arrival statistics from capture arrival times.
//
// This function:
//  1. Calculates mean FPS over the whole window
//  2. Calculates instantaneous FPS for each arrival interval
//  3. Finds min/max instantaneous FPS and their standard deviation
//  4. Calculates jitter against the expected interval
//  5. Determines stability (stddev < 15% of mean AND jitter < 20%)
//
// The expected interval is 1/targetFPS when targetFPS > 0, otherwise 1/FPSMean.
// A non-positive totalDuration falls back to the span between first and
// last arrival.
func Calculate(arrivals []time.Time, totalDuration time.Duration, targetFPS float64) *Stats {
	n := len(arrivals)
	if totalDuration <= 0 && n > 1 {
		totalDuration = arrivals[n-1].Sub(arrivals[0])
	}

	stats := &Stats{Frames: n, Duration: totalDuration}
	if targetFPS > 0 && totalDuration > 0 {
		stats.DeliveryRatio = float64(n) / (targetFPS * totalDuration.Seconds())
	}
	if n == 0 || totalDuration <= 0 {
		return stats
	}

	stats.FPSMean = float64(n) / totalDuration.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := arrivals[i].Sub(arrivals[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}
	if len(instantaneous) == 0 {
		return stats
	}

	stats.FPSMin = instantaneous[0]
	stats.FPSMax = instantaneous[0]
	for _, fps := range instantaneous {
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
	}

	var sumSquares float64
	for _, fps := range instantaneous {
		diff := fps - stats.FPSMean
		sumSquares += diff * diff
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))

	expectedInterval := 1.0 / stats.FPSMean
	if targetFPS > 0 {
		expectedInterval = 1.0 / targetFPS
	}

	jitters := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		actual := arrivals[i].Sub(arrivals[i-1]).Seconds()
		jitters = append(jitters, math.Abs(actual-expectedInterval))
	}

	var jitterSum float64
	for _, j := range jitters {
		jitterSum += j
		stats.JitterMax = math.Max(stats.JitterMax, j)
	}
	stats.JitterMean = jitterSum / float64(len(jitters))

	var jitterSumSquares float64
	for _, j := range jitters {
		diff := j - stats.JitterMean
		jitterSumSquares += diff * diff
	}
	stats.JitterStdDev = math.Sqrt(jitterSumSquares / float64(len(jitters)))

	fpsStable := stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold
	jitterStable := stats.JitterMean < expectedInterval*jitterStabilityThreshold
	stats.IsStable = fpsStable && jitterStable

	return stats
}
