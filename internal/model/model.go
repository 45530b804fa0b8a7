// Package model defines the core data structures for the peg stability engine.
package model

import (
	"time"
)

// AdjustmentAction identifies the direction of a supply adjustment.
type AdjustmentAction string

// Supply adjustment actions
const (
	ActionExpand   AdjustmentAction = "expand"
	ActionContract AdjustmentAction = "contract"
	ActionNone     AdjustmentAction = "none"
)

// PriceObservation represents a single price sample from a feed or manual injection.
// This is the core data structure that flows through the entire engine.
type PriceObservation struct {
	// Price is the observed market price, must be positive
	Price float64 `json:"price"`

	// Timestamp is the observation time in Unix milliseconds.
	// Observations are kept in non-decreasing timestamp order.
	Timestamp int64 `json:"timestamp"`

	// Volume is the traded volume backing this observation
	Volume float64 `json:"volume"`

	// Confidence is the feed's quality score for this sample, in [0,1]
	Confidence float64 `json:"confidence"`

	// Source identifies where the observation came from
	Source string `json:"source,omitempty"`
}

// NewObservation creates an observation stamped with the current time.
func NewObservation(price, volume, confidence float64) PriceObservation {
	return PriceObservation{
		Price:      price,
		Timestamp:  time.Now().UnixMilli(),
		Volume:     volume,
		Confidence: confidence,
	}
}

// IsValid performs basic validation on this observation
func (o PriceObservation) IsValid() bool {
	return o.Price > 0 &&
		o.Timestamp > 0 &&
		o.Volume >= 0 &&
		o.Confidence >= 0 && o.Confidence <= 1
}

// SupplyAdjustment is the outcome of one decision-function evaluation.
// Amount is always non-negative; the action carries the sign.
type SupplyAdjustment struct {
	Action    AdjustmentAction `json:"action"`
	Amount    float64          `json:"amount"`
	NewSupply float64          `json:"new_supply"`
	Timestamp int64            `json:"timestamp"`
}

// Executed reports whether this adjustment changed supply.
func (a SupplyAdjustment) Executed() bool {
	return a.Action != ActionNone && a.Amount > 0
}

// SupplyInfo is a point-in-time snapshot of supply and reserve state.
// ReserveRatio is reserve/supply, defined as 0 when supply is 0.
type SupplyInfo struct {
	TotalSupply  float64 `json:"total_supply"`
	ReservePool  float64 `json:"reserve_pool"`
	ReserveRatio float64 `json:"reserve_ratio"`
}

// StabilityMetrics summarizes how well the price is tracking the peg.
type StabilityMetrics struct {
	TargetPrice  float64 `json:"target_price"`
	CurrentPrice float64 `json:"current_price"`

	// Deviation is |avgPrice - target| / target over the lookback window
	Deviation float64 `json:"deviation"`

	// Volatility is the standard deviation of windowed prices relative to target
	Volatility float64 `json:"volatility"`

	// StabilityScore is a 0-100 composite, decreasing in deviation and volatility
	StabilityScore float64 `json:"stability_score"`
}

// OracleStatus describes the oracle's current view for the metrics snapshot.
type OracleStatus struct {
	CurrentPrice     float64 `json:"current_price"`
	AggregatedPrice  float64 `json:"aggregated_price"`
	Confidence       float64 `json:"confidence"`
	ObservationCount int     `json:"observation_count"`
	LastUpdate       int64   `json:"last_update"`
}

// EngineMetrics is the combined snapshot served to external callers.
// All sections are computed from a single coherent state read.
type EngineMetrics struct {
	Stability StabilityMetrics `json:"stability"`
	Supply    SupplyInfo       `json:"supply"`
	Price     PriceObservation `json:"price"`
	Oracle    OracleStatus     `json:"oracle"`
}
