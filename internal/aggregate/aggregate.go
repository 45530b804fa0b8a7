package aggregate

import (
	"math"
	"sort"

	"github.com/yourorg/peg-stability-engine/internal/model"
)

// Weighted computes the confidence-and-volume weighted average price across
// observations. Samples with higher confidence and more volume behind them
// pull the aggregate harder. Returns fallback when nothing usable remains.
func Weighted(obs []model.PriceObservation, fallback float64) float64 {
	if len(obs) == 0 {
		return fallback
	}

	var weightedSum, totalWeight float64
	for _, o := range obs {
		if o.Price <= 0 || o.Confidence <= 0 {
			continue
		}
		// Volume-less samples still count with a unit weight so manual
		// injections are not silently ignored.
		w := o.Confidence * math.Max(o.Volume, 1)
		weightedSum += o.Price * w
		totalWeight += w
	}

	if totalWeight <= 0 || math.IsNaN(weightedSum) {
		return fallback
	}

	return weightedSum / totalWeight
}

// Median computes the median price of the observations.
// Robust against single-feed outliers.
func Median(obs []model.PriceObservation, fallback float64) float64 {
	values := make([]float64, 0, len(obs))
	for _, o := range obs {
		if o.Price > 0 {
			values = append(values, o.Price)
		}
	}

	if len(values) == 0 {
		return fallback
	}

	sort.Float64s(values)
	n := len(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}

// TrimmedMean removes trimPercent of the highest and lowest prices before
// averaging. Falls back to Weighted when there are too few samples to trim.
func TrimmedMean(obs []model.PriceObservation, trimPercent, fallback float64) float64 {
	if len(obs) < 3 || trimPercent <= 0 || trimPercent >= 0.5 {
		return Weighted(obs, fallback)
	}

	valid := make([]model.PriceObservation, 0, len(obs))
	for _, o := range obs {
		if o.Price > 0 {
			valid = append(valid, o)
		}
	}
	if len(valid) < 3 {
		return Weighted(obs, fallback)
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].Price < valid[j].Price
	})

	trimCount := int(float64(len(valid)) * trimPercent)
	trimmed := valid[trimCount : len(valid)-trimCount]

	return Weighted(trimmed, fallback)
}

// Mean computes the plain arithmetic mean of observation prices.
func Mean(obs []model.PriceObservation) float64 {
	if len(obs) == 0 {
		return 0
	}

	var sum float64
	for _, o := range obs {
		sum += o.Price
	}
	return sum / float64(len(obs))
}

// StdDev computes the sample standard deviation of observation prices.
// Returns 0 for fewer than two samples.
func StdDev(obs []model.PriceObservation) float64 {
	if len(obs) <= 1 {
		return 0
	}

	mean := Mean(obs)
	var variance float64
	for _, o := range obs {
		diff := o.Price - mean
		variance += diff * diff
	}
	variance /= float64(len(obs) - 1)

	return math.Sqrt(variance)
}

// Window returns the observations whose timestamps fall within
// [now-window, now], preserving insertion order. The input must already be
// ordered by timestamp.
func Window(obs []model.PriceObservation, nowMs, windowMs int64) []model.PriceObservation {
	if windowMs <= 0 {
		return nil
	}

	cutoff := nowMs - windowMs
	for i, o := range obs {
		if o.Timestamp >= cutoff {
			return obs[i:]
		}
	}
	return nil
}
