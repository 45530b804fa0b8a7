// Package contract implements the supply/reserve state machine and the pure
// decision function that turns a price signal into a bounded supply adjustment.
package contract

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/peg-stability-engine/internal/aggregate"
	"github.com/yourorg/peg-stability-engine/internal/model"
)

// ErrInvalidObservation is returned when a price sample fails validation.
var ErrInvalidObservation = errors.New("contract: invalid observation")

// Config holds the stabilization parameters. Instances are immutable once
// constructed; UpdateConfig replaces the whole value so a half-applied
// configuration is never observable.
type Config struct {
	// TargetPrice is the peg the asset is designed to track, > 0
	TargetPrice float64 `yaml:"target_price" json:"target_price"`

	// ToleranceBand is the symmetric dead-zone around the peg, as a fraction
	// (0.02 means no action within ±2% of the peg)
	ToleranceBand float64 `yaml:"tolerance_band" json:"tolerance_band"`

	// MaxSupplyChange caps any single adjustment, as a fraction of supply
	MaxSupplyChange float64 `yaml:"max_supply_change" json:"max_supply_change"`

	// ReserveRatio is the minimum reserve/supply backing that must hold
	ReserveRatio float64 `yaml:"reserve_ratio" json:"reserve_ratio"`

	// RebalanceInterval is the minimum wall-clock time between executed
	// adjustments
	RebalanceInterval time.Duration `yaml:"rebalance_interval" json:"rebalance_interval"`

	// AdjustmentDamping scales the deviation-driven amount. The curve is
	// linear in the deviation; the damping factor is a tunable, not a fixed
	// contract.
	AdjustmentDamping float64 `yaml:"adjustment_damping" json:"adjustment_damping"`

	// LookbackWindow is the default averaging window for decisions and metrics
	LookbackWindow time.Duration `yaml:"lookback_window" json:"lookback_window"`

	// MaxPriceHistory bounds the retained price observations
	MaxPriceHistory int `yaml:"max_price_history" json:"max_price_history"`

	// MaxAdjustmentHistory bounds the retained executed adjustments
	MaxAdjustmentHistory int `yaml:"max_adjustment_history" json:"max_adjustment_history"`
}

// ConfigPatch is a partial Config; nil fields retain prior values.
type ConfigPatch struct {
	TargetPrice          *float64       `json:"target_price,omitempty"`
	ToleranceBand        *float64       `json:"tolerance_band,omitempty"`
	MaxSupplyChange      *float64       `json:"max_supply_change,omitempty"`
	ReserveRatio         *float64       `json:"reserve_ratio,omitempty"`
	RebalanceInterval    *time.Duration `json:"rebalance_interval,omitempty"`
	AdjustmentDamping    *float64       `json:"adjustment_damping,omitempty"`
	LookbackWindow       *time.Duration `json:"lookback_window,omitempty"`
	MaxPriceHistory      *int           `json:"max_price_history,omitempty"`
	MaxAdjustmentHistory *int           `json:"max_adjustment_history,omitempty"`
}

// DefaultConfig returns the stabilization defaults.
func DefaultConfig() Config {
	return Config{
		TargetPrice:          1.0,
		ToleranceBand:        0.02,
		MaxSupplyChange:      0.10,
		ReserveRatio:         0.20,
		RebalanceInterval:    time.Hour,
		AdjustmentDamping:    0.5,
		LookbackWindow:       5 * time.Minute,
		MaxPriceHistory:      1000,
		MaxAdjustmentHistory: 500,
	}
}

// Validate checks the configuration for internally consistent values.
func (c Config) Validate() error {
	if c.TargetPrice <= 0 {
		return fmt.Errorf("target price must be positive: %f", c.TargetPrice)
	}
	if c.ToleranceBand < 0 {
		return fmt.Errorf("tolerance band must be non-negative: %f", c.ToleranceBand)
	}
	if c.MaxSupplyChange < 0 || c.MaxSupplyChange > 1 {
		return fmt.Errorf("max supply change must be in [0,1]: %f", c.MaxSupplyChange)
	}
	if c.ReserveRatio < 0 || c.ReserveRatio > 1 {
		return fmt.Errorf("reserve ratio must be in [0,1]: %f", c.ReserveRatio)
	}
	if c.RebalanceInterval < 0 {
		return fmt.Errorf("rebalance interval must be non-negative: %v", c.RebalanceInterval)
	}
	if c.AdjustmentDamping <= 0 || c.AdjustmentDamping > 1 {
		return fmt.Errorf("adjustment damping must be in (0,1]: %f", c.AdjustmentDamping)
	}
	return nil
}

// merge applies a patch on top of c and returns the new config.
func (c Config) merge(p ConfigPatch) Config {
	out := c
	if p.TargetPrice != nil {
		out.TargetPrice = *p.TargetPrice
	}
	if p.ToleranceBand != nil {
		out.ToleranceBand = *p.ToleranceBand
	}
	if p.MaxSupplyChange != nil {
		out.MaxSupplyChange = *p.MaxSupplyChange
	}
	if p.ReserveRatio != nil {
		out.ReserveRatio = *p.ReserveRatio
	}
	if p.RebalanceInterval != nil {
		out.RebalanceInterval = *p.RebalanceInterval
	}
	if p.AdjustmentDamping != nil {
		out.AdjustmentDamping = *p.AdjustmentDamping
	}
	if p.LookbackWindow != nil {
		out.LookbackWindow = *p.LookbackWindow
	}
	if p.MaxPriceHistory != nil {
		out.MaxPriceHistory = *p.MaxPriceHistory
	}
	if p.MaxAdjustmentHistory != nil {
		out.MaxAdjustmentHistory = *p.MaxAdjustmentHistory
	}
	return out
}

// Contract holds supply and reserve state together with the bounded price
// history the decision function reads. All mutation is serialized behind a
// single mutex; every mutator validates before touching state so a rejected
// operation never leaves a partial update.
type Contract struct {
	mu sync.RWMutex

	cfg         Config
	totalSupply float64
	reservePool float64

	priceHistory      []model.PriceObservation
	adjustmentHistory []model.SupplyAdjustment
	lastRebalance     time.Time
}

// New creates a Contract with an initial supply and reserve.
func New(cfg Config, initialSupply, initialReserve float64) *Contract {
	return &Contract{
		cfg:         cfg,
		totalSupply: math.Max(initialSupply, 0),
		reservePool: math.Max(initialReserve, 0),
	}
}

// AddPriceData appends an observation to the price history.
// Applies the same validation as the oracle when the contract is fed directly.
func (c *Contract) AddPriceData(obs model.PriceObservation) error {
	// Clamp future timestamps to now so a skewed feed cannot plant samples
	// that outlive every lookback window.
	if now := time.Now().UnixMilli(); obs.Timestamp == 0 || obs.Timestamp > now {
		obs.Timestamp = now
	}
	if !obs.IsValid() {
		return ErrInvalidObservation
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// History stays ordered by timestamp; clamp late arrivals forward.
	if n := len(c.priceHistory); n > 0 && obs.Timestamp < c.priceHistory[n-1].Timestamp {
		obs.Timestamp = c.priceHistory[n-1].Timestamp
	}

	c.priceHistory = append(c.priceHistory, obs)
	if max := c.cfg.MaxPriceHistory; max > 0 && len(c.priceHistory) > max {
		c.priceHistory = c.priceHistory[len(c.priceHistory)-max:]
	}
	return nil
}

// GetCurrentPrice returns the last-added observation's price, or the peg if
// no observation exists yet.
func (c *Contract) GetCurrentPrice() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentPriceLocked()
}

func (c *Contract) currentPriceLocked() float64 {
	if len(c.priceHistory) == 0 {
		return c.cfg.TargetPrice
	}
	return c.priceHistory[len(c.priceHistory)-1].Price
}

// GetAveragePrice returns the arithmetic mean of all observations within
// [now-window, now]. Falls back to the current price on an empty window.
func (c *Contract) GetAveragePrice(window time.Duration) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.averagePriceLocked(window)
}

func (c *Contract) averagePriceLocked(window time.Duration) float64 {
	now := time.Now().UnixMilli()
	windowed := aggregate.Window(c.priceHistory, now, window.Milliseconds())
	if len(windowed) == 0 {
		return c.currentPriceLocked()
	}
	return aggregate.Mean(windowed)
}

// CalculateSupplyAdjustment computes what a rebalance would do right now
// without applying anything. Safe to call for previews at any time.
func (c *Contract) CalculateSupplyAdjustment() model.SupplyAdjustment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return decide(c.cfg, c.totalSupply, c.reservePool, c.averagePriceLocked(c.cfg.LookbackWindow))
}

// decide is the pure decision core: configuration, supply/reserve state and
// an averaged price in, a bounded adjustment out. No side effects.
func decide(cfg Config, supply, reserve, avgPrice float64) model.SupplyAdjustment {
	adj := model.SupplyAdjustment{
		Action:    model.ActionNone,
		NewSupply: supply,
		Timestamp: time.Now().UnixMilli(),
	}

	if supply <= 0 || cfg.TargetPrice <= 0 {
		return adj
	}

	deviation := (avgPrice - cfg.TargetPrice) / cfg.TargetPrice

	// Dead zone: inside the band no action is taken, so noise within the
	// band never causes supply oscillation.
	if math.Abs(deviation) <= cfg.ToleranceBand {
		return adj
	}

	// Linear in the deviation, damped, then capped at the per-adjustment
	// maximum fraction of supply.
	raw := supply * math.Min(math.Abs(deviation), 1.0) * cfg.AdjustmentDamping
	amount := math.Min(raw, supply*cfg.MaxSupplyChange)

	if deviation > 0 {
		// Price above peg: the asset is scarce, expand supply.
		adj.Action = model.ActionExpand
		adj.Amount = amount
		adj.NewSupply = supply + amount
		return adj
	}

	// Price below peg: contract supply. The contraction leaves the reserve
	// pool untouched, so it must never push reserve/newSupply below the
	// configured floor; when the floor is already breached the contraction
	// is suppressed entirely rather than applied partially.
	amount = math.Min(amount, supply)
	newSupply := supply - amount
	if cfg.ReserveRatio > 0 && newSupply > 0 && reserve/newSupply < cfg.ReserveRatio {
		return adj
	}

	adj.Action = model.ActionContract
	adj.Amount = amount
	adj.NewSupply = newSupply
	return adj
}

// Rebalance executes one decision-and-apply cycle. It is rate-limited: calls
// within RebalanceInterval of the last executed adjustment are benign no-ops
// returning nil. A computed action of none also returns nil and does not
// consume the rate limit.
func (c *Contract) Rebalance() *model.SupplyAdjustment {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastRebalance.IsZero() && time.Since(c.lastRebalance) < c.cfg.RebalanceInterval {
		return nil
	}

	adj := decide(c.cfg, c.totalSupply, c.reservePool, c.averagePriceLocked(c.cfg.LookbackWindow))
	if !adj.Executed() {
		return nil
	}

	c.totalSupply = adj.NewSupply
	c.lastRebalance = time.Now()
	c.recordAdjustmentLocked(adj)

	logrus.WithFields(logrus.Fields{
		"action":     adj.Action,
		"amount":     adj.Amount,
		"new_supply": adj.NewSupply,
	}).Info("Supply adjustment executed")

	return &adj
}

func (c *Contract) recordAdjustmentLocked(adj model.SupplyAdjustment) {
	c.adjustmentHistory = append(c.adjustmentHistory, adj)
	if max := c.cfg.MaxAdjustmentHistory; max > 0 && len(c.adjustmentHistory) > max {
		c.adjustmentHistory = c.adjustmentHistory[len(c.adjustmentHistory)-max:]
	}
}

// GetAdjustmentHistory returns up to limit executed adjustments,
// most recent first. limit <= 0 returns the full retained history.
func (c *Contract) GetAdjustmentHistory(limit int) []model.SupplyAdjustment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := len(c.adjustmentHistory)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]model.SupplyAdjustment, limit)
	for i := 0; i < limit; i++ {
		out[i] = c.adjustmentHistory[n-1-i]
	}
	return out
}

// GetSupplyInfo returns a consistent supply/reserve snapshot.
func (c *Contract) GetSupplyInfo() model.SupplyInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supplyInfoLocked()
}

func (c *Contract) supplyInfoLocked() model.SupplyInfo {
	info := model.SupplyInfo{
		TotalSupply: c.totalSupply,
		ReservePool: c.reservePool,
	}
	if c.totalSupply > 0 {
		info.ReserveRatio = c.reservePool / c.totalSupply
	}
	return info
}

// Snapshot returns stability metrics and supply info from one state read,
// so the two halves can never reflect different instants.
func (c *Contract) Snapshot() (model.StabilityMetrics, model.SupplyInfo) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stabilityMetricsLocked(), c.supplyInfoLocked()
}

// GetStabilityMetrics derives deviation, volatility and the composite
// stability score from the recent price history.
func (c *Contract) GetStabilityMetrics() model.StabilityMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stabilityMetricsLocked()
}

func (c *Contract) stabilityMetricsLocked() model.StabilityMetrics {
	now := time.Now().UnixMilli()
	windowed := aggregate.Window(c.priceHistory, now, c.cfg.LookbackWindow.Milliseconds())

	avg := c.averagePriceLocked(c.cfg.LookbackWindow)
	deviation := math.Abs(avg-c.cfg.TargetPrice) / c.cfg.TargetPrice
	volatility := aggregate.StdDev(windowed) / c.cfg.TargetPrice

	// Monotonically decreasing in both inputs, clamped to [0,100].
	score := 100 - deviation*400 - volatility*300
	score = math.Max(0, math.Min(100, score))

	return model.StabilityMetrics{
		TargetPrice:    c.cfg.TargetPrice,
		CurrentPrice:   c.currentPriceLocked(),
		Deviation:      deviation,
		Volatility:     volatility,
		StabilityScore: score,
	}
}

// AddReserves adds to the reserve pool. Non-positive amounts are rejected.
func (c *Contract) AddReserves(amount float64) bool {
	if amount <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reservePool += amount
	return true
}

// RemoveReserves withdraws from the reserve pool. Fails without mutation if
// the withdrawal would violate the reserve-ratio floor or overdraw the pool.
func (c *Contract) RemoveReserves(amount float64) bool {
	if amount <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if amount > c.reservePool {
		return false
	}
	remaining := c.reservePool - amount
	if c.totalSupply > 0 && remaining/c.totalSupply < c.cfg.ReserveRatio {
		logrus.WithFields(logrus.Fields{
			"amount":  amount,
			"reserve": c.reservePool,
			"floor":   c.cfg.ReserveRatio,
		}).Warn("Reserve withdrawal rejected: would breach reserve ratio")
		return false
	}

	c.reservePool = remaining
	return true
}

// Mint increases supply outside the rebalance algorithm, e.g. for rewards.
func (c *Contract) Mint(amount float64) bool {
	if amount <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalSupply += amount
	return true
}

// Burn decreases supply outside the rebalance algorithm. Fails without
// mutation if amount exceeds the current supply.
func (c *Contract) Burn(amount float64) bool {
	if amount <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if amount > c.totalSupply {
		return false
	}
	c.totalSupply -= amount
	return true
}

// GetConfig returns the current configuration.
func (c *Contract) GetConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// UpdateConfig merges a partial patch into the configuration after
// validating the merged result. On error the prior config stays in effect.
func (c *Contract) UpdateConfig(patch ConfigPatch) (Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := c.cfg.merge(patch)
	if err := merged.Validate(); err != nil {
		return c.cfg, err
	}

	c.cfg = merged
	logrus.WithFields(logrus.Fields{
		"target_price":   merged.TargetPrice,
		"tolerance_band": merged.ToleranceBand,
		"max_change":     merged.MaxSupplyChange,
	}).Info("Contract configuration updated")

	return merged, nil
}
