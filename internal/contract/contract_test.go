package contract

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/peg-stability-engine/internal/model"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ToleranceBand = 0.01
	cfg.RebalanceInterval = 0
	return cfg
}

func obsAt(price float64, ts int64) model.PriceObservation {
	return model.PriceObservation{Price: price, Timestamp: ts, Volume: 1000, Confidence: 1.0}
}

func TestInitialization(t *testing.T) {
	c := New(DefaultConfig(), 10000, 2000)

	info := c.GetSupplyInfo()
	assert.Equal(t, 10000.0, info.TotalSupply)
	assert.Equal(t, 2000.0, info.ReservePool)
	assert.Equal(t, 0.2, info.ReserveRatio)
}

func TestZeroSupplyReserveRatio(t *testing.T) {
	c := New(DefaultConfig(), 0, 0)

	info := c.GetSupplyInfo()
	assert.Equal(t, 0.0, info.ReserveRatio)

	// Decision function handles zero supply gracefully
	adj := c.CalculateSupplyAdjustment()
	assert.Equal(t, model.ActionNone, adj.Action)
}

func TestAddPriceData(t *testing.T) {
	c := New(DefaultConfig(), 10000, 2000)

	require.NoError(t, c.AddPriceData(obsAt(1.05, time.Now().UnixMilli())))
	assert.Equal(t, 1.05, c.GetCurrentPrice())

	// Invalid observations are rejected without state change
	assert.Error(t, c.AddPriceData(obsAt(-1, time.Now().UnixMilli())))
	assert.Error(t, c.AddPriceData(model.PriceObservation{Price: 1.0, Timestamp: 1, Confidence: 1.5}))
	assert.Equal(t, 1.05, c.GetCurrentPrice())
}

func TestFutureTimestampClamped(t *testing.T) {
	c := New(DefaultConfig(), 10000, 2000)

	require.NoError(t, c.AddPriceData(obsAt(1.02, time.Now().Add(time.Hour).UnixMilli())))

	c.mu.RLock()
	ts := c.priceHistory[len(c.priceHistory)-1].Timestamp
	c.mu.RUnlock()
	assert.LessOrEqual(t, ts, time.Now().UnixMilli())
}

func TestCurrentPriceDefaultsToPeg(t *testing.T) {
	c := New(DefaultConfig(), 10000, 2000)
	assert.Equal(t, 1.0, c.GetCurrentPrice())
}

func TestGetAveragePrice(t *testing.T) {
	c := New(DefaultConfig(), 10000, 2000)
	now := time.Now().UnixMilli()

	require.NoError(t, c.AddPriceData(obsAt(1.0, now-300000)))
	require.NoError(t, c.AddPriceData(obsAt(1.1, now-200000)))
	require.NoError(t, c.AddPriceData(obsAt(0.9, now-100000)))
	require.NoError(t, c.AddPriceData(obsAt(1.05, now)))

	avg := c.GetAveragePrice(400000 * time.Millisecond)
	assert.InDelta(t, (1.0+1.1+0.9+1.05)/4, avg, 0.01)

	// Empty window falls back to the current price
	assert.Equal(t, 1.05, c.GetAveragePrice(time.Millisecond))
}

func TestExpansionAbovePeg(t *testing.T) {
	c := New(testConfig(), 10000, 2000)
	require.NoError(t, c.AddPriceData(obsAt(1.05, time.Now().UnixMilli())))

	adj := c.CalculateSupplyAdjustment()
	assert.Equal(t, model.ActionExpand, adj.Action)
	assert.Greater(t, adj.Amount, 0.0)
	assert.Greater(t, adj.NewSupply, 10000.0)
}

func TestContractionBelowPeg(t *testing.T) {
	c := New(testConfig(), 10000, 2000)
	require.NoError(t, c.AddPriceData(obsAt(0.95, time.Now().UnixMilli())))

	adj := c.CalculateSupplyAdjustment()
	assert.Equal(t, model.ActionContract, adj.Action)
	assert.Greater(t, adj.Amount, 0.0)
	assert.Less(t, adj.NewSupply, 10000.0)
}

func TestDeadZone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ToleranceBand = 0.05
	c := New(cfg, 10000, 2000)
	require.NoError(t, c.AddPriceData(obsAt(1.02, time.Now().UnixMilli())))

	adj := c.CalculateSupplyAdjustment()
	assert.Equal(t, model.ActionNone, adj.Action)
	assert.Equal(t, 0.0, adj.Amount)
	assert.Equal(t, 10000.0, adj.NewSupply)
}

func TestDeadZoneProperty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ToleranceBand = 0.02
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		c := New(cfg, 10000, 2000)
		// Any price within ±2% of the peg must yield no action
		price := 1.0 + (rng.Float64()*2-1)*cfg.ToleranceBand
		require.NoError(t, c.AddPriceData(obsAt(price, time.Now().UnixMilli())))

		adj := c.CalculateSupplyAdjustment()
		assert.Equal(t, model.ActionNone, adj.Action, "price %f inside band must not act", price)
	}
}

func TestMaxSupplyChangeCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSupplyChange = 0.05
	c := New(cfg, 10000, 2000)

	// 100% above peg: deviation-driven amount far exceeds the cap
	require.NoError(t, c.AddPriceData(obsAt(2.0, time.Now().UnixMilli())))

	adj := c.CalculateSupplyAdjustment()
	assert.Equal(t, model.ActionExpand, adj.Action)
	assert.LessOrEqual(t, adj.Amount, 10000*0.05+1e-9)
}

func TestCapProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		cfg := testConfig()
		cfg.MaxSupplyChange = 0.01 + rng.Float64()*0.2
		supply := 100 + rng.Float64()*100000
		reserve := supply * (cfg.ReserveRatio + rng.Float64())
		c := New(cfg, supply, reserve)

		price := 0.01 + rng.Float64()*5
		require.NoError(t, c.AddPriceData(obsAt(price, time.Now().UnixMilli())))

		adj := c.CalculateSupplyAdjustment()
		assert.LessOrEqual(t, adj.Amount, supply*cfg.MaxSupplyChange+1e-9,
			"amount must never exceed the cap (price=%f supply=%f)", price, supply)
	}
}

func TestContractionRespectsReserveFloor(t *testing.T) {
	cfg := testConfig()
	cfg.ReserveRatio = 0.25
	c := New(cfg, 10000, 2500) // exactly at the floor

	require.NoError(t, c.AddPriceData(obsAt(0.9, time.Now().UnixMilli())))

	adj := c.CalculateSupplyAdjustment()
	if adj.NewSupply > 0 {
		assert.GreaterOrEqual(t, 2500.0/adj.NewSupply, 0.25,
			"contraction must not breach the reserve ratio floor")
	}
}

func TestContractionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(99))

	for i := 0; i < 500; i++ {
		cfg := testConfig()
		cfg.ReserveRatio = rng.Float64() * 0.5
		supply := 100 + rng.Float64()*100000
		// Start from a state satisfying the invariant
		reserve := supply * (cfg.ReserveRatio + rng.Float64()*0.5)
		c := New(cfg, supply, reserve)

		price := 0.2 + rng.Float64()*0.7 // below peg
		require.NoError(t, c.AddPriceData(obsAt(price, time.Now().UnixMilli())))

		adj := c.CalculateSupplyAdjustment()
		if adj.Action == model.ActionContract && adj.NewSupply > 0 {
			assert.GreaterOrEqual(t, reserve/adj.NewSupply, cfg.ReserveRatio-1e-9,
				"reserve floor violated: supply=%f reserve=%f price=%f", supply, reserve, price)
		}
	}
}

func TestRebalanceRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RebalanceInterval = time.Hour
	c := New(cfg, 10000, 2000)

	require.NoError(t, c.AddPriceData(obsAt(1.1, time.Now().UnixMilli())))

	first := c.Rebalance()
	require.NotNil(t, first)
	assert.Equal(t, model.ActionExpand, first.Action)
	supplyAfterFirst := c.GetSupplyInfo().TotalSupply

	// Second call within the interval is a benign no-op
	second := c.Rebalance()
	assert.Nil(t, second)
	assert.Equal(t, supplyAfterFirst, c.GetSupplyInfo().TotalSupply)
}

func TestRebalanceApplies(t *testing.T) {
	c := New(testConfig(), 10000, 2000)
	require.NoError(t, c.AddPriceData(obsAt(1.1, time.Now().UnixMilli())))

	adj := c.Rebalance()
	require.NotNil(t, adj)
	assert.Equal(t, model.ActionExpand, adj.Action)
	assert.Equal(t, adj.NewSupply, c.GetSupplyInfo().TotalSupply)

	history := c.GetAdjustmentHistory(10)
	require.Len(t, history, 1)
	assert.Equal(t, *adj, history[0])
}

func TestRebalanceNoneDoesNotConsumeRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RebalanceInterval = time.Hour
	c := New(cfg, 10000, 2000)

	// Inside the band: nothing to do, nothing recorded
	require.NoError(t, c.AddPriceData(obsAt(1.0, time.Now().UnixMilli())))
	assert.Nil(t, c.Rebalance())

	// A real deviation right after must still execute
	require.NoError(t, c.AddPriceData(obsAt(1.1, time.Now().UnixMilli())))
	assert.NotNil(t, c.Rebalance())
}

func TestAdjustmentHistoryOrder(t *testing.T) {
	c := New(testConfig(), 10000, 2000)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.AddPriceData(obsAt(1.2, time.Now().UnixMilli())))
		require.NotNil(t, c.Rebalance())
	}

	history := c.GetAdjustmentHistory(2)
	require.Len(t, history, 2)
	// Most recent first
	assert.GreaterOrEqual(t, history[0].NewSupply, history[1].NewSupply)
	assert.Equal(t, c.GetSupplyInfo().TotalSupply, history[0].NewSupply)
}

func TestReserveManagement(t *testing.T) {
	c := New(DefaultConfig(), 10000, 5000)

	assert.True(t, c.AddReserves(500))
	assert.Equal(t, 5500.0, c.GetSupplyInfo().ReservePool)

	assert.True(t, c.RemoveReserves(1000))
	assert.Equal(t, 4500.0, c.GetSupplyInfo().ReservePool)

	// Non-positive amounts rejected
	assert.False(t, c.AddReserves(0))
	assert.False(t, c.RemoveReserves(-5))
}

func TestRemoveReservesAtFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReserveRatio = 0.3
	c := New(cfg, 10000, 3000) // exactly at the floor

	assert.False(t, c.RemoveReserves(100))
	assert.Equal(t, 3000.0, c.GetSupplyInfo().ReservePool)
}

func TestMintAndBurn(t *testing.T) {
	c := New(DefaultConfig(), 10000, 2000)

	assert.True(t, c.Mint(1000))
	assert.Equal(t, 11000.0, c.GetSupplyInfo().TotalSupply)

	assert.True(t, c.Burn(2000))
	assert.Equal(t, 9000.0, c.GetSupplyInfo().TotalSupply)

	// Burning more than supply fails and leaves supply unchanged
	assert.False(t, c.Burn(15000))
	assert.Equal(t, 9000.0, c.GetSupplyInfo().TotalSupply)
}

func TestConfigMerge(t *testing.T) {
	c := New(DefaultConfig(), 10000, 2000)
	prior := c.GetConfig()

	target := 2.0
	band := 0.1
	updated, err := c.UpdateConfig(ConfigPatch{
		TargetPrice:   &target,
		ToleranceBand: &band,
	})
	require.NoError(t, err)

	assert.Equal(t, 2.0, updated.TargetPrice)
	assert.Equal(t, 0.1, updated.ToleranceBand)
	// Untouched fields identical to the prior config
	assert.Equal(t, prior.MaxSupplyChange, updated.MaxSupplyChange)
	assert.Equal(t, prior.ReserveRatio, updated.ReserveRatio)
	assert.Equal(t, prior.RebalanceInterval, updated.RebalanceInterval)

	assert.Equal(t, updated, c.GetConfig())
}

func TestConfigPatchValidation(t *testing.T) {
	c := New(DefaultConfig(), 10000, 2000)
	prior := c.GetConfig()

	bad := -1.0
	_, err := c.UpdateConfig(ConfigPatch{TargetPrice: &bad})
	assert.Error(t, err)
	// Rejected patch leaves the config untouched
	assert.Equal(t, prior, c.GetConfig())
}

func TestStabilityMetricsStablePrices(t *testing.T) {
	c := New(DefaultConfig(), 10000, 2000)
	rng := rand.New(rand.NewSource(1))
	base := time.Now().UnixMilli()

	for i := 0; i < 10; i++ {
		price := 1.0 + (rng.Float64()-0.5)*0.01
		require.NoError(t, c.AddPriceData(obsAt(price, base+int64(i))))
	}

	m := c.GetStabilityMetrics()
	assert.Equal(t, 1.0, m.TargetPrice)
	assert.Less(t, m.Deviation, 0.1)
	assert.GreaterOrEqual(t, m.StabilityScore, 50.0)
}

func TestStabilityMetricsVolatilePrices(t *testing.T) {
	c := New(DefaultConfig(), 10000, 2000)
	base := time.Now().UnixMilli()

	prices := []float64{1.0, 1.2, 0.8, 1.15, 0.85, 1.1, 0.9, 1.05, 0.95, 1.0}
	for i, p := range prices {
		require.NoError(t, c.AddPriceData(obsAt(p, base+int64(i))))
	}

	m := c.GetStabilityMetrics()
	assert.Greater(t, m.Volatility, 0.1)
	assert.Less(t, m.StabilityScore, 80.0)
}

func TestStabilityScoreBounds(t *testing.T) {
	c := New(DefaultConfig(), 10000, 2000)
	base := time.Now().UnixMilli()

	// Wildly off-peg prices must clamp the score at 0, never below
	for i := 0; i < 5; i++ {
		require.NoError(t, c.AddPriceData(obsAt(10.0+float64(i*5), base+int64(i))))
	}

	m := c.GetStabilityMetrics()
	assert.GreaterOrEqual(t, m.StabilityScore, 0.0)
	assert.LessOrEqual(t, m.StabilityScore, 100.0)
}

func TestPriceHistoryBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPriceHistory = 10
	c := New(cfg, 10000, 2000)
	base := time.Now().UnixMilli()

	for i := 0; i < 25; i++ {
		require.NoError(t, c.AddPriceData(obsAt(1.0, base+int64(i))))
	}

	// Latest price still served after pruning
	require.NoError(t, c.AddPriceData(obsAt(1.07, base+100)))
	assert.Equal(t, 1.07, c.GetCurrentPrice())
}
