// Package service runs the stabilization engine: it polls price feeds,
// drives the oracle, triggers rebalances on the contract, and exposes a
// coherent view of the whole system.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/peg-stability-engine/internal/circuitbreaker"
	"github.com/yourorg/peg-stability-engine/internal/config"
	"github.com/yourorg/peg-stability-engine/internal/contract"
	"github.com/yourorg/peg-stability-engine/internal/export"
	"github.com/yourorg/peg-stability-engine/internal/feed"
	"github.com/yourorg/peg-stability-engine/internal/model"
	"github.com/yourorg/peg-stability-engine/internal/oracle"
	"github.com/yourorg/peg-stability-engine/internal/recorder"
	"github.com/yourorg/peg-stability-engine/internal/validation"
)

// startTime records when the process began for uptime reporting
var startTime = time.Now()

// recentWindow bounds the observation slice handed to the circuit breaker.
const recentWindow = 10

// Service wires the oracle, the contract, the price feed, the breaker and
// the recorder together and runs the periodic loops.
type Service struct {
	cfg *config.Config

	oracle   *oracle.Oracle
	contract *contract.Contract
	breaker  *circuitbreaker.CircuitBreaker
	source   feed.Source
	recorder recorder.Recorder
	exporter *export.Exporter

	metrics  *engineMetrics
	registry *prometheus.Registry
	cron     *cron.Cron

	mu      sync.Mutex
	recent  []model.PriceObservation
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// engineMetrics holds Prometheus metrics for the engine
type engineMetrics struct {
	totalSupply    prometheus.Gauge
	reservePool    prometheus.Gauge
	currentPrice   prometheus.Gauge
	stabilityScore prometheus.Gauge
	breakerState   prometheus.Gauge
	rebalances     *prometheus.CounterVec
	feedErrors     *prometheus.CounterVec
}

// registerMetrics sets up Prometheus metrics collection
func registerMetrics(reg *prometheus.Registry) *engineMetrics {
	m := &engineMetrics{
		totalSupply: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "peg_total_supply",
				Help: "Current total supply of the synthetic asset",
			},
		),
		reservePool: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "peg_reserve_pool",
				Help: "Current reserve pool backing the supply",
			},
		),
		currentPrice: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "peg_current_price",
				Help: "Most recent observed price",
			},
		),
		stabilityScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "peg_stability_score",
				Help: "Composite stability score (0-100)",
			},
		),
		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "peg_feed_breaker_state",
				Help: "Feed circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		rebalances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peg_rebalances_total",
				Help: "Total number of rebalance attempts by outcome",
			},
			[]string{"action"},
		),
		feedErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peg_feed_errors_total",
				Help: "Total number of price feed failures",
			},
			[]string{"source"},
		),
	}

	reg.MustRegister(
		m.totalSupply,
		m.reservePool,
		m.currentPrice,
		m.stabilityScore,
		m.breakerState,
		m.rebalances,
		m.feedErrors,
	)

	return m
}

// New builds a Service from the loaded configuration. The feed source and
// recorder are injected so tests can substitute deterministic ones.
func New(cfg *config.Config, source feed.Source, rec recorder.Recorder) *Service {
	if rec == nil {
		rec = recorder.Noop{}
	}

	registry := prometheus.NewRegistry()

	s := &Service{
		cfg:      cfg,
		oracle:   oracle.New(cfg.Oracle),
		contract: contract.New(cfg.Stability, cfg.Supply.InitialSupply, cfg.Supply.InitialReserve),
		source:   source,
		recorder: rec,
		exporter: export.New(cfg.Export),
		metrics:  registerMetrics(registry),
		registry: registry,
	}

	s.breaker = circuitbreaker.New(cfg.Breaker).
		WithTripCallback(func(reason string, _ []model.PriceObservation) {
			logrus.Warnf("Price feed circuit breaker tripped: %s", reason)
		})

	logrus.WithFields(logrus.Fields{
		"feed":            source.Name(),
		"target_price":    cfg.Stability.TargetPrice,
		"initial_supply":  cfg.Supply.InitialSupply,
		"initial_reserve": cfg.Supply.InitialReserve,
	}).Info("Stabilization service initialized")

	return s
}

// Start launches the feed polling and engine loops. It is idempotent;
// calling Start on a running service is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.pollLoop()
	go s.engineLoop()

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Schedule.SnapshotCron, s.recordSnapshot); err != nil {
		logrus.Warnf("Invalid snapshot schedule %q: %v", s.cfg.Schedule.SnapshotCron, err)
	} else {
		s.cron.Start()
	}

	logrus.Info("Stabilization service started")
}

// Stop halts all loops and flushes the exporter. Safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		// Stop's context completes when in-flight jobs finish; the recorder
		// must stay open until then.
		<-c.Stop().Done()
	}
	s.wg.Wait()
	s.exporter.Stop()

	if err := s.recorder.Close(); err != nil {
		logrus.Warnf("Failed to close recorder: %v", err)
	}
	logrus.Info("Stabilization service stopped")
}

// Running reports whether the loops are active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// pollLoop fetches prices from the feed at the configured cadence.
func (s *Service) pollLoop() {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(s.cfg.Feed.PollInterval)
		select {
		case <-timer.C:
			s.safeTick("feed", s.pollOnce)
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// engineLoop refreshes the oracle aggregate and attempts a rebalance.
// The interval is re-read every iteration so config updates take effect
// without restarting the service.
func (s *Service) engineLoop() {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(s.oracle.GetConfig().UpdateInterval)
		select {
		case <-timer.C:
			s.safeTick("engine", s.engineTick)
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// safeTick runs one loop iteration, containing panics so a single bad
// tick cannot kill the loop.
func (s *Service) safeTick(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Recovered from panic in %s loop: %v", name, r)
		}
	}()
	fn()
}

func (s *Service) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	obs, err := s.source.Fetch(ctx)
	if err != nil {
		s.metrics.feedErrors.WithLabelValues(s.source.Name()).Inc()
		logrus.WithField("source", s.source.Name()).Warnf("Feed fetch failed: %v", err)
		return
	}

	if err := s.ingest(obs); err != nil {
		logrus.Debugf("Observation dropped: %v", err)
	}
}

// ingest validates an observation, runs it through the breaker and, if
// accepted, feeds it to the oracle and the contract. Rejected input leaves
// every component untouched, including the breaker's sample window.
func (s *Service) ingest(obs model.PriceObservation) error {
	if obs.Timestamp == 0 {
		obs.Timestamp = time.Now().UnixMilli()
	}
	if !validation.Check(obs, validation.Options{MinConfidence: s.oracle.GetConfig().MinConfidence}) {
		return fmt.Errorf("observation rejected: price=%f confidence=%f", obs.Price, obs.Confidence)
	}

	s.mu.Lock()
	s.recent = append(s.recent, obs)
	if len(s.recent) > recentWindow {
		s.recent = s.recent[len(s.recent)-recentWindow:]
	}
	recent := make([]model.PriceObservation, len(s.recent))
	copy(recent, s.recent)
	s.mu.Unlock()

	// The breaker needs a minimum sample count; let it warm up before
	// consulting it so the first observations are not rejected.
	if len(recent) >= s.cfg.Breaker.MinObservations {
		if err := s.breaker.Check(recent); err != nil {
			s.metrics.breakerState.Set(float64(s.breaker.GetState()))
			return fmt.Errorf("breaker rejected feed data: %w", err)
		}
	}
	s.metrics.breakerState.Set(float64(s.breaker.GetState()))

	if err := s.oracle.AddObservation(obs); err != nil {
		return err
	}
	if err := s.contract.AddPriceData(obs); err != nil {
		return err
	}
	s.metrics.currentPrice.Set(obs.Price)
	return nil
}

func (s *Service) engineTick() {
	s.oracle.Tick()
	// While the breaker is open the price window is frozen pre-trip data;
	// rebalancing on it would act on a signal known to be suspect.
	if s.breaker.GetState() == circuitbreaker.StateOpen {
		logrus.Debug("Breaker open, scheduled rebalance skipped")
	} else {
		s.attemptRebalance()
	}
	s.updateGauges()
}

// attemptRebalance asks the contract for an adjustment and records the
// outcome everywhere it needs to go.
func (s *Service) attemptRebalance() *model.SupplyAdjustment {
	adj := s.contract.Rebalance()
	if adj == nil {
		s.metrics.rebalances.WithLabelValues(string(model.ActionNone)).Inc()
		return nil
	}

	s.metrics.rebalances.WithLabelValues(string(adj.Action)).Inc()
	s.exporter.Add(*adj)

	info := s.contract.GetSupplyInfo()
	if err := s.recorder.RecordAdjustment(*adj, info); err != nil {
		logrus.Warnf("Failed to record adjustment: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"action":     adj.Action,
		"amount":     adj.Amount,
		"new_supply": adj.NewSupply,
	}).Info("Supply rebalanced")

	return adj
}

func (s *Service) updateGauges() {
	stability, info := s.contract.Snapshot()

	s.metrics.totalSupply.Set(info.TotalSupply)
	s.metrics.reservePool.Set(info.ReservePool)
	s.metrics.stabilityScore.Set(stability.StabilityScore)
}

// recordSnapshot persists the current stability view, driven by cron.
func (s *Service) recordSnapshot() {
	metrics, supply := s.contract.Snapshot()
	snap := recorder.StabilitySnapshot{
		Metrics: metrics,
		Supply:  supply,
	}
	if err := s.recorder.RecordSnapshot(snap); err != nil {
		logrus.Warnf("Failed to record stability snapshot: %v", err)
	}
}

// SetPrice injects a price observation manually, bypassing the feed but
// not the oracle's validation.
func (s *Service) SetPrice(price float64) error {
	obs := model.NewObservation(price, 0, 1.0)
	obs.Source = "manual"
	return s.ingest(obs)
}

// PerformRebalance forces an immediate rebalance attempt. The contract's
// rate limit still applies.
func (s *Service) PerformRebalance() *model.SupplyAdjustment {
	s.oracle.Tick()
	adj := s.attemptRebalance()
	s.updateGauges()
	return adj
}

// SimulateMarketShock perturbs the market price by the given fraction
// (0.1 means +10%, -0.2 means -20%) and feeds the shocked price into the
// engine. Returns the resulting observation.
func (s *Service) SimulateMarketShock(fraction float64) (model.PriceObservation, error) {
	if sim, ok := s.source.(*feed.SimulatedSource); ok {
		sim.Shock(fraction)
	}

	base := s.oracle.CurrentPrice()
	obs := model.NewObservation(base*(1+fraction), 0, 1.0)
	obs.Source = "shock"

	if err := s.ingest(obs); err != nil {
		return model.PriceObservation{}, err
	}
	logrus.WithFields(logrus.Fields{
		"fraction": fraction,
		"price":    obs.Price,
	}).Info("Market shock applied")
	return obs, nil
}

// GetMetrics returns a combined snapshot of the engine state.
func (s *Service) GetMetrics() model.EngineMetrics {
	status := s.oracle.Status()

	var last model.PriceObservation
	if obs := s.oracle.Observations(); len(obs) > 0 {
		last = obs[len(obs)-1]
	} else {
		last = model.NewObservation(status.CurrentPrice, 0, 1.0)
		last.Source = "fallback"
	}

	// While the breaker is open the feed is suspect; serve the last price
	// it accepted instead of whatever tripped it.
	if s.breaker.GetState() == circuitbreaker.StateOpen {
		if lastGood := s.breaker.LastGoodPrice(); lastGood > 0 {
			last = model.NewObservation(lastGood, 0, 1.0)
			last.Source = "last-good"
		}
	}

	stability, supply := s.contract.Snapshot()
	return model.EngineMetrics{
		Stability: stability,
		Supply:    supply,
		Price:     last,
		Oracle:    status,
	}
}

// GetStatus reports service health and component states.
func (s *Service) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"status":        "operational",
		"running":       s.Running(),
		"uptime":        time.Since(startTime).String(),
		"feed":          s.source.Name(),
		"breaker_state": s.breaker.GetState().String(),
		"oracle":        s.oracle.Status(),
		"supply":        s.contract.GetSupplyInfo(),
		"exporter":      s.exporter.Status(),
	}
}

// GetSupplyHistory returns the most recent executed adjustments, newest
// first. The persistent recorder is preferred; the contract's in-memory
// history is the fallback.
func (s *Service) GetSupplyHistory(limit int) []model.SupplyAdjustment {
	if rows, err := s.recorder.RecentAdjustments(limit); err == nil && len(rows) > 0 {
		return rows
	}
	return s.contract.GetAdjustmentHistory(limit)
}

// UpdateConfig applies a partial stability config update.
func (s *Service) UpdateConfig(patch contract.ConfigPatch) (contract.Config, error) {
	cfg, err := s.contract.UpdateConfig(patch)
	if err != nil {
		return contract.Config{}, err
	}
	logrus.WithField("config", fmt.Sprintf("%+v", cfg)).Info("Stability config updated")
	return cfg, nil
}

// UpdateOracleConfig applies a partial oracle config update. A changed
// update interval is picked up by the engine loop on its next iteration.
func (s *Service) UpdateOracleConfig(patch oracle.ConfigPatch) oracle.Config {
	cfg := s.oracle.UpdateConfig(patch)
	logrus.WithField("config", fmt.Sprintf("%+v", cfg)).Info("Oracle config updated")
	return cfg
}

// Contract exposes the stability contract for direct supply operations.
func (s *Service) Contract() *contract.Contract {
	return s.contract
}

// Oracle exposes the price oracle.
func (s *Service) Oracle() *oracle.Oracle {
	return s.oracle
}

// Breaker exposes the feed circuit breaker.
func (s *Service) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// MetricsHandler serves the service's Prometheus registry.
func (s *Service) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
