// Package oracle maintains the current-price signal the engine reacts to,
// abstracting away whether price comes from one feed or many.
package oracle

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/peg-stability-engine/internal/aggregate"
	"github.com/yourorg/peg-stability-engine/internal/model"
	"github.com/yourorg/peg-stability-engine/internal/validation"
)

// Validation failures surfaced to callers.
var (
	ErrInvalidObservation = errors.New("oracle: invalid observation")
	ErrLowConfidence      = errors.New("oracle: confidence below floor")
)

// Aggregation methods selectable via Config.AggregationMethod.
const (
	AggregationWeighted = "weighted"
	AggregationMedian   = "median"
	AggregationTrimmed  = "trimmed"
)

// trimFraction is the share cut from each tail by the trimmed mean.
const trimFraction = 0.1

// Config controls the oracle's cadence and acceptance criteria.
// Instances are replaced wholesale, never mutated in place.
type Config struct {
	// UpdateInterval is the cadence of aggregated price refreshes
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval"`

	// AggregationMethod selects how Tick combines windowed observations:
	// weighted (default), median or trimmed
	AggregationMethod string `yaml:"aggregation_method" json:"aggregation_method"`

	// MinConfidence is the floor below which observations are rejected
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`

	// AggregationWindow bounds how far back Tick looks when aggregating
	AggregationWindow time.Duration `yaml:"aggregation_window" json:"aggregation_window"`

	// MaxObservations bounds the retained history; older entries are pruned
	MaxObservations int `yaml:"max_observations" json:"max_observations"`

	// FallbackPrice is reported before any observation arrives (the peg)
	FallbackPrice float64 `yaml:"fallback_price" json:"fallback_price"`
}

// ConfigPatch is a partial Config; nil fields retain prior values.
type ConfigPatch struct {
	UpdateInterval    *time.Duration `json:"update_interval,omitempty"`
	AggregationMethod *string        `json:"aggregation_method,omitempty"`
	MinConfidence     *float64       `json:"min_confidence,omitempty"`
	AggregationWindow *time.Duration `json:"aggregation_window,omitempty"`
	MaxObservations   *int           `json:"max_observations,omitempty"`
	FallbackPrice     *float64       `json:"fallback_price,omitempty"`
}

// DefaultConfig returns the oracle defaults used by the running engine.
func DefaultConfig() Config {
	return Config{
		UpdateInterval:    30 * time.Second,
		AggregationMethod: AggregationWeighted,
		MinConfidence:     0.5,
		AggregationWindow: 5 * time.Minute,
		MaxObservations:   1000,
		FallbackPrice:     1.0,
	}
}

// merge applies a patch on top of c and returns the new config.
func (c Config) merge(p ConfigPatch) Config {
	out := c
	if p.UpdateInterval != nil {
		out.UpdateInterval = *p.UpdateInterval
	}
	if p.AggregationMethod != nil {
		out.AggregationMethod = *p.AggregationMethod
	}
	if p.MinConfidence != nil {
		out.MinConfidence = *p.MinConfidence
	}
	if p.AggregationWindow != nil {
		out.AggregationWindow = *p.AggregationWindow
	}
	if p.MaxObservations != nil {
		out.MaxObservations = *p.MaxObservations
	}
	if p.FallbackPrice != nil {
		out.FallbackPrice = *p.FallbackPrice
	}
	return out
}

// Oracle aggregates incoming price observations into a single current price
// and confidence signal. It never touches supply or reserves.
type Oracle struct {
	mu           sync.RWMutex
	cfg          Config
	observations []model.PriceObservation
	aggregated   float64
	confidence   float64
	lastUpdate   int64
}

// New creates an Oracle with the given configuration.
func New(cfg Config) *Oracle {
	return &Oracle{
		cfg:        cfg,
		aggregated: cfg.FallbackPrice,
	}
}

// AddObservation accepts a price observation into the history.
// Rejections leave state untouched.
func (o *Oracle) AddObservation(obs model.PriceObservation) error {
	// Feeds stamp their own timestamps; clamp future ones to now so they
	// cannot sit inside every aggregation window until the clock catches up.
	if now := time.Now().UnixMilli(); obs.Timestamp == 0 || obs.Timestamp > now {
		obs.Timestamp = now
	}
	if !obs.IsValid() {
		return ErrInvalidObservation
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if obs.Confidence < o.cfg.MinConfidence {
		logrus.WithFields(logrus.Fields{
			"source":     obs.Source,
			"confidence": obs.Confidence,
			"floor":      o.cfg.MinConfidence,
		}).Debug("Observation rejected: low confidence")
		return ErrLowConfidence
	}

	// History stays ordered by timestamp; clamp late arrivals forward.
	if n := len(o.observations); n > 0 && obs.Timestamp < o.observations[n-1].Timestamp {
		obs.Timestamp = o.observations[n-1].Timestamp
	}

	o.observations = append(o.observations, obs)
	o.prune()
	return nil
}

// prune enforces the retention bound. Caller holds the lock.
func (o *Oracle) prune() {
	if max := o.cfg.MaxObservations; max > 0 && len(o.observations) > max {
		o.observations = o.observations[len(o.observations)-max:]
	}
}

// CurrentPrice returns the most recent accepted observation's price,
// or the fallback price if no observation exists yet.
func (o *Oracle) CurrentPrice() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.observations) == 0 {
		return o.cfg.FallbackPrice
	}
	return o.observations[len(o.observations)-1].Price
}

// AggregatedPrice returns the last aggregate computed by Tick, or the
// current price if Tick has not run since the last observation.
func (o *Oracle) AggregatedPrice() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.lastUpdate == 0 {
		if len(o.observations) == 0 {
			return o.cfg.FallbackPrice
		}
		return o.observations[len(o.observations)-1].Price
	}
	return o.aggregated
}

// Tick recomputes the aggregated price over the configured window:
// basic validity filtering, then the configured aggregation method, then
// a consensus confidence from cross-source agreement. Returns the new
// aggregate.
func (o *Oracle) Tick() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now().UnixMilli()
	windowed := aggregate.Window(o.observations, now, o.cfg.AggregationWindow.Milliseconds())

	valid := validation.FilterInvalidWithOptions(windowed, validation.Options{
		MaxAge:        o.cfg.AggregationWindow,
		MinConfidence: o.cfg.MinConfidence,
	})

	fallback := o.cfg.FallbackPrice
	if n := len(o.observations); n > 0 {
		fallback = o.observations[n-1].Price
	}

	switch o.cfg.AggregationMethod {
	case AggregationMedian:
		o.aggregated = aggregate.Median(valid, fallback)
	case AggregationTrimmed:
		o.aggregated = aggregate.TrimmedMean(valid, trimFraction, fallback)
	default:
		o.aggregated = aggregate.Weighted(valid, fallback)
	}
	o.confidence = consensusConfidence(valid)
	o.lastUpdate = now

	logrus.WithFields(logrus.Fields{
		"aggregated": o.aggregated,
		"confidence": o.confidence,
		"samples":    len(valid),
	}).Debug("Oracle tick")

	return o.aggregated
}

// consensusConfidence is the mean agreement score of the windowed
// observations, zero when none survive filtering.
func consensusConfidence(obs []model.PriceObservation) float64 {
	if len(obs) == 0 {
		return 0
	}
	scored := validation.ScoreAgreement(obs)
	sum := 0.0
	for _, s := range scored {
		sum += s.Confidence
	}
	return sum / float64(len(scored))
}

// Status reports the oracle's current view for the metrics snapshot.
func (o *Oracle) Status() model.OracleStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	current := o.cfg.FallbackPrice
	if len(o.observations) > 0 {
		current = o.observations[len(o.observations)-1].Price
	}

	aggregated := o.aggregated
	if o.lastUpdate == 0 {
		aggregated = current
	}

	return model.OracleStatus{
		CurrentPrice:     current,
		AggregatedPrice:  aggregated,
		Confidence:       o.confidence,
		ObservationCount: len(o.observations),
		LastUpdate:       o.lastUpdate,
	}
}

// Observations returns a copy of the retained history, oldest first.
func (o *Oracle) Observations() []model.PriceObservation {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]model.PriceObservation, len(o.observations))
	copy(out, o.observations)
	return out
}

// GetConfig returns the current configuration.
func (o *Oracle) GetConfig() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// UpdateConfig merges a partial patch into the configuration.
// The whole config is replaced so readers never see a half-applied update.
func (o *Oracle) UpdateConfig(patch ConfigPatch) Config {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cfg = o.cfg.merge(patch)
	o.prune()

	logrus.WithFields(logrus.Fields{
		"update_interval": o.cfg.UpdateInterval,
		"min_confidence":  o.cfg.MinConfidence,
	}).Info("Oracle configuration updated")

	return o.cfg
}
