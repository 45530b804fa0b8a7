// Package recorder persists executed supply adjustments and periodic
// stability snapshots for offline analysis.
package recorder

import (
	"github.com/yourorg/peg-stability-engine/internal/model"
)

// StabilitySnapshot captures the engine's derived state at a point in time.
type StabilitySnapshot struct {
	Metrics model.StabilityMetrics
	Supply  model.SupplyInfo
}

// Recorder persists historical engine data.
type Recorder interface {
	RecordAdjustment(adj model.SupplyAdjustment, supply model.SupplyInfo) error
	RecordSnapshot(snap StabilitySnapshot) error
	RecentAdjustments(limit int) ([]model.SupplyAdjustment, error)
	Close() error
}

// Noop discards everything. Used when no database path is configured.
type Noop struct{}

func (Noop) RecordAdjustment(model.SupplyAdjustment, model.SupplyInfo) error { return nil }
func (Noop) RecordSnapshot(StabilitySnapshot) error                          { return nil }
func (Noop) RecentAdjustments(int) ([]model.SupplyAdjustment, error)         { return nil, nil }
func (Noop) Close() error                                                    { return nil }
