package feed

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/yourorg/peg-stability-engine/internal/model"
)

// SimulatedSource produces a seeded mean-reverting random walk around a base
// price. Used for local runs and deterministic testing when no external feed
// is configured.
type SimulatedSource struct {
	mu        sync.Mutex
	rng       *rand.Rand
	basePrice float64
	price     float64

	// MeanReversion pulls the walk back toward the base price each step
	MeanReversion float64

	// StepVolatility is the per-step fractional noise magnitude
	StepVolatility float64
}

// NewSimulatedSource creates a simulated feed seeded for reproducibility.
func NewSimulatedSource(basePrice float64, seed int64) *SimulatedSource {
	return &SimulatedSource{
		rng:            rand.New(rand.NewSource(seed)),
		basePrice:      basePrice,
		price:          basePrice,
		MeanReversion:  0.1,
		StepVolatility: 0.005,
	}
}

// Name identifies this source.
func (s *SimulatedSource) Name() string {
	return "simulated"
}

// Fetch advances the walk one step and returns the resulting observation.
func (s *SimulatedSource) Fetch(_ context.Context) (model.PriceObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	noise := (s.rng.Float64()*2 - 1) * s.StepVolatility
	pull := (s.basePrice - s.price) * s.MeanReversion
	s.price += pull + s.price*noise
	if s.price <= 0 {
		s.price = s.basePrice
	}

	return model.PriceObservation{
		Price:      s.price,
		Timestamp:  time.Now().UnixMilli(),
		Volume:     500 + s.rng.Float64()*1000,
		Confidence: 0.9,
		Source:     s.Name(),
	}, nil
}

// Shock perturbs the walk's current price by the given signed fraction.
func (s *SimulatedSource) Shock(fraction float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price *= 1 + fraction
	if s.price <= 0 {
		s.price = s.basePrice
	}
}
