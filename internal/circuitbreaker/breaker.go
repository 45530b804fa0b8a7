// Package circuitbreaker protects the stabilization loop against extreme
// market conditions and erroneous feed data.
package circuitbreaker

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

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, rebalances suspended
	StateHalfOpen              // Testing if the feed has recovered
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// MaxPriceChange is the maximum allowed fractional move between
	// consecutive checks (e.g. 0.5 for 50%)
	MaxPriceChange float64 `yaml:"max_price_change" json:"max_price_change"`

	// MinObservations is the minimum sample count required for a valid check
	MinObservations int `yaml:"min_observations" json:"min_observations"`

	// MaxDispersion is the maximum stddev of prices as a multiple of the mean
	MaxDispersion float64 `yaml:"max_dispersion" json:"max_dispersion,omitempty"`
}

// CircuitBreaker implements the circuit breaker pattern so a misbehaving
// price feed cannot drive the supply controller.
type CircuitBreaker struct {
	thresholds Thresholds

	state    State
	lastTrip time.Time

	// Duration before auto-reset attempt
	resetDelay time.Duration

	mu sync.RWMutex

	// Last accepted aggregate prices, used for jump detection and fallback
	priceHistory []model.PriceObservation

	// Count of consecutive successful checks in HalfOpen state
	successCount int

	// Number of successful checks required to close the circuit
	successThreshold int

	onTripCallback func(reason string, obs []model.PriceObservation)
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 3,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful checks needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback invoked when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string, obs []model.PriceObservation)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Check evaluates recent observations against the thresholds and determines
// whether the stabilization loop may proceed. While the circuit is open it
// returns an error; threshold violations trip the circuit and return an error.
func (cb *CircuitBreaker) Check(obs []model.PriceObservation) error {
	cb.mu.RLock()
	state := cb.state
	lastTripTime := cb.lastTrip
	cb.mu.RUnlock()

	if state == StateOpen {
		if time.Since(lastTripTime) > cb.resetDelay {
			cb.transitionToHalfOpen()
		} else {
			return errors.New("circuit breaker open: stabilization suspended")
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(obs) == 0 {
		return errors.New("no observations provided to circuit breaker")
	}

	if len(obs) < cb.thresholds.MinObservations {
		reason := fmt.Sprintf("insufficient observation count: got %d, need %d",
			len(obs), cb.thresholds.MinObservations)
		cb.trip(reason, obs)
		return errors.New(reason)
	}

	// Detect extreme jumps against the last accepted aggregate
	if len(cb.priceHistory) > 0 && cb.thresholds.MaxPriceChange > 0 {
		lastPrice := cb.priceHistory[len(cb.priceHistory)-1].Price
		currentPrice := aggregate.Mean(obs)

		if lastPrice > 0 {
			changeRatio := math.Abs(currentPrice-lastPrice) / lastPrice
			if changeRatio > cb.thresholds.MaxPriceChange {
				reason := fmt.Sprintf("price jump too drastic: %.2f%% (threshold: %.2f%%)",
					changeRatio*100, cb.thresholds.MaxPriceChange*100)
				cb.trip(reason, obs)
				return errors.New(reason)
			}
		}
	}

	// Detect excessive dispersion across samples
	if cb.thresholds.MaxDispersion > 0 && len(obs) > 1 {
		stdDev := aggregate.StdDev(obs)
		mean := aggregate.Mean(obs)
		if mean > 0 && stdDev/mean > cb.thresholds.MaxDispersion {
			reason := fmt.Sprintf("price dispersion too high: %.2f x mean (threshold: %.2f)",
				stdDev/mean, cb.thresholds.MaxDispersion)
			cb.trip(reason, obs)
			return errors.New(reason)
		}
	}

	logrus.Debug("Circuit breaker checks passed")

	cb.addToHistory(obs)

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: price feed has recovered")
		}
	}

	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

// LastGoodPrice returns the most recent aggregate accepted by the breaker,
// or 0 when no check has passed yet.
func (cb *CircuitBreaker) LastGoodPrice() float64 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if len(cb.priceHistory) == 0 {
		return 0
	}
	return cb.priceHistory[len(cb.priceHistory)-1].Price
}

// transitionToHalfOpen changes the circuit state to half-open for testing recovery
func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: testing feed recovery")
	}
}

// trip sets the circuit breaker to open state with the current time
func (cb *CircuitBreaker) trip(reason string, obs []model.PriceObservation) {
	cb.state = StateOpen
	cb.lastTrip = time.Now()
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason, obs)
	}
}

// addToHistory records the aggregate of the accepted batch, bounded.
func (cb *CircuitBreaker) addToHistory(obs []model.PriceObservation) {
	cb.priceHistory = append(cb.priceHistory, model.PriceObservation{
		Price:     aggregate.Mean(obs),
		Timestamp: time.Now().UnixMilli(),
		Source:    "breaker",
	})

	const maxHistorySize = 100
	if len(cb.priceHistory) > maxHistorySize {
		cb.priceHistory = cb.priceHistory[len(cb.priceHistory)-maxHistorySize:]
	}
}
