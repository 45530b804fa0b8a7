// Package validation provides filtering and validation mechanisms for price observations.
package validation

import (
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/peg-stability-engine/internal/model"
)

// Options holds configuration for the validation process
type Options struct {
	// MaxAge defines how recent observations must be to be considered valid
	MaxAge time.Duration

	// MinConfidence is the floor below which observations are rejected
	MinConfidence float64

	// MaxPrice defines the maximum plausible price; guards against fat-finger feeds
	MaxPrice float64

	// EnableOutlierDetection enables statistical outlier detection
	EnableOutlierDetection bool

	// OutlierIQRMultiplier defines sensitivity for outlier detection (1.5 is standard)
	OutlierIQRMultiplier float64
}

// DefaultOptions returns sensible defaults for validation
func DefaultOptions() Options {
	return Options{
		MaxAge:                 time.Hour,
		MinConfidence:          0.5,
		MaxPrice:               1e6,
		EnableOutlierDetection: true,
		OutlierIQRMultiplier:   1.5,
	}
}

// FilterInvalid removes observations that fail basic validation criteria.
// This is the main entrypoint for the validation package.
func FilterInvalid(obs []model.PriceObservation) []model.PriceObservation {
	return FilterInvalidWithOptions(obs, DefaultOptions())
}

// FilterInvalidWithOptions removes observations with custom validation options.
func FilterInvalidWithOptions(obs []model.PriceObservation, opts Options) []model.PriceObservation {
	// First apply basic filters
	valid := filterBasicCriteria(obs, opts)

	// Then apply statistical filters if enabled
	if opts.EnableOutlierDetection && len(valid) > 3 {
		return filterOutliers(valid, opts.OutlierIQRMultiplier)
	}

	return valid
}

// Check validates a single observation against the options.
// Returns false for anything that must not enter the price history.
func Check(o model.PriceObservation, opts Options) bool {
	if !o.IsValid() {
		return false
	}

	if o.Confidence < opts.MinConfidence {
		return false
	}

	if opts.MaxPrice > 0 && o.Price > opts.MaxPrice {
		return false
	}

	// Reject stale samples
	observedAt := time.UnixMilli(o.Timestamp)
	if opts.MaxAge > 0 && time.Since(observedAt) > opts.MaxAge {
		return false
	}

	return true
}

// filterBasicCriteria applies fundamental validation rules to each observation
func filterBasicCriteria(obs []model.PriceObservation, opts Options) []model.PriceObservation {
	valid := make([]model.PriceObservation, 0, len(obs))
	for _, o := range obs {
		if Check(o, opts) {
			valid = append(valid, o)
		} else {
			logrus.WithFields(logrus.Fields{
				"source":     o.Source,
				"price":      o.Price,
				"confidence": o.Confidence,
			}).Debug("Filtered invalid observation")
		}
	}
	return valid
}

// filterOutliers removes statistical outliers using the IQR method
func filterOutliers(obs []model.PriceObservation, iqrMultiplier float64) []model.PriceObservation {
	if len(obs) <= 3 {
		return obs // Need at least 4 points for meaningful outlier detection
	}

	// Extract price values
	prices := make([]float64, len(obs))
	for i, o := range obs {
		prices[i] = o.Price
	}

	// Calculate Q1, Q3, and IQR
	sort.Float64s(prices)
	q1 := prices[len(prices)/4]
	q3 := prices[len(prices)*3/4]
	iqr := q3 - q1

	lowerBound := q1 - iqrMultiplier*iqr
	upperBound := q3 + iqrMultiplier*iqr

	// If bounds are too strict, widen them so a flat price series is not
	// filtered down to nothing.
	if upperBound-lowerBound < 1e-9 {
		mean := calculateMean(prices)
		lowerBound = mean * 0.5
		upperBound = mean * 2.0
	}

	valid := make([]model.PriceObservation, 0, len(obs))
	for _, o := range obs {
		if o.Price >= lowerBound && o.Price <= upperBound {
			valid = append(valid, o)
		} else {
			logrus.WithFields(logrus.Fields{
				"source": o.Source,
				"price":  o.Price,
				"bounds": []float64{lowerBound, upperBound},
			}).Info("Filtered outlier observation")
		}
	}

	logrus.WithFields(logrus.Fields{
		"total":    len(obs),
		"filtered": len(obs) - len(valid),
	}).Debug("Outlier filtering complete")

	return valid
}

// calculateMean computes the arithmetic mean of a slice of float64
func calculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// ScoreAgreement assigns a confidence score (0-1) to each observation
// based on its agreement with the volume-weighted consensus price.
func ScoreAgreement(obs []model.PriceObservation) []model.PriceObservation {
	if len(obs) <= 1 {
		return obs // Can't calculate agreement with fewer than 2 samples
	}

	var weightedPrice, totalVolume float64
	for _, o := range obs {
		weightedPrice += o.Price * o.Volume
		totalVolume += o.Volume
	}
	if totalVolume <= 0 {
		return obs
	}
	refPrice := weightedPrice / totalVolume

	result := make([]model.PriceObservation, len(obs))
	for i, o := range obs {
		scored := o

		relativeDist := math.Abs(o.Price-refPrice) / refPrice
		if refPrice == 0 {
			relativeDist = math.Abs(o.Price)
		}

		// 1 = perfect agreement with consensus, decaying toward 0
		scored.Confidence = 1.0 / (1.0 + relativeDist*5)
		result[i] = scored
	}

	return result
}
