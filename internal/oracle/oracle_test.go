package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/peg-stability-engine/internal/model"
)

func testObservation(price, confidence float64) model.PriceObservation {
	return model.PriceObservation{
		Price:      price,
		Timestamp:  time.Now().UnixMilli(),
		Volume:     1000,
		Confidence: confidence,
		Source:     "test",
	}
}

func TestAddObservation(t *testing.T) {
	o := New(DefaultConfig())

	require.NoError(t, o.AddObservation(testObservation(1.05, 0.9)))
	assert.Equal(t, 1.05, o.CurrentPrice())
}

func TestAddObservationRejections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0.5
	o := New(cfg)

	tests := []struct {
		name string
		obs  model.PriceObservation
		want error
	}{
		{
			name: "non-positive price",
			obs:  testObservation(0, 0.9),
			want: ErrInvalidObservation,
		},
		{
			name: "negative price",
			obs:  testObservation(-1.0, 0.9),
			want: ErrInvalidObservation,
		},
		{
			name: "confidence above one",
			obs:  testObservation(1.0, 1.5),
			want: ErrInvalidObservation,
		},
		{
			name: "confidence below floor",
			obs:  testObservation(1.0, 0.3),
			want: ErrLowConfidence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := o.AddObservation(tt.obs)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Nothing was accepted, so the fallback price is still served
	assert.Equal(t, cfg.FallbackPrice, o.CurrentPrice())
}

func TestCurrentPriceFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FallbackPrice = 1.0
	o := New(cfg)

	assert.Equal(t, 1.0, o.CurrentPrice())
	assert.Equal(t, 1.0, o.AggregatedPrice())
}

func TestTickAggregatesWeighted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	o := New(cfg)

	// Two samples, equal confidence: the bigger volume pulls harder
	require.NoError(t, o.AddObservation(model.PriceObservation{
		Price: 1.0, Timestamp: time.Now().UnixMilli(), Volume: 9000, Confidence: 1.0,
	}))
	require.NoError(t, o.AddObservation(model.PriceObservation{
		Price: 2.0, Timestamp: time.Now().UnixMilli(), Volume: 1000, Confidence: 1.0,
	}))

	got := o.Tick()
	assert.InDelta(t, 1.1, got, 1e-9)
	assert.InDelta(t, 1.1, o.AggregatedPrice(), 1e-9)
}

func TestTickAggregatesMedian(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	cfg.AggregationMethod = AggregationMedian
	o := New(cfg)

	for _, p := range []float64{0.9, 1.0, 5.0} {
		require.NoError(t, o.AddObservation(testObservation(p, 1.0)))
	}

	// The outlier at 5.0 does not move the median
	assert.InDelta(t, 1.0, o.Tick(), 1e-9)
}

func TestTickAggregatesTrimmed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	cfg.AggregationMethod = AggregationTrimmed
	o := New(cfg)

	// Eight samples at the peg plus one outlier on each tail
	require.NoError(t, o.AddObservation(testObservation(0.5, 1.0)))
	require.NoError(t, o.AddObservation(testObservation(5.0, 1.0)))
	for i := 0; i < 8; i++ {
		require.NoError(t, o.AddObservation(testObservation(1.0, 1.0)))
	}

	assert.InDelta(t, 1.0, o.Tick(), 1e-9)
}

func TestTickConsensusConfidence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	o := New(cfg)

	// Perfect agreement across sources scores full confidence
	require.NoError(t, o.AddObservation(testObservation(1.0, 1.0)))
	require.NoError(t, o.AddObservation(testObservation(1.0, 1.0)))
	o.Tick()
	assert.InDelta(t, 1.0, o.Status().Confidence, 1e-9)

	// A diverging source drags consensus confidence down
	o2 := New(cfg)
	require.NoError(t, o2.AddObservation(model.PriceObservation{
		Price: 1.0, Timestamp: time.Now().UnixMilli(), Volume: 9000, Confidence: 1.0,
	}))
	require.NoError(t, o2.AddObservation(model.PriceObservation{
		Price: 2.0, Timestamp: time.Now().UnixMilli(), Volume: 1000, Confidence: 1.0,
	}))
	o2.Tick()
	assert.Less(t, o2.Status().Confidence, 0.5)
	assert.Greater(t, o2.Status().Confidence, 0.0)
}

func TestFutureTimestampClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	o := New(cfg)

	obs := testObservation(1.0, 1.0)
	obs.Timestamp = time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, o.AddObservation(obs))

	got := o.Observations()
	require.Len(t, got, 1)
	assert.LessOrEqual(t, got[0].Timestamp, time.Now().UnixMilli())
}

func TestTickEmptyWindowFallsBack(t *testing.T) {
	o := New(DefaultConfig())

	got := o.Tick()
	assert.Equal(t, o.GetConfig().FallbackPrice, got)
}

func TestObservationOrderPreserved(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	o := New(cfg)
	now := time.Now().UnixMilli()

	require.NoError(t, o.AddObservation(model.PriceObservation{Price: 1.0, Timestamp: now, Volume: 1, Confidence: 1}))
	// Late arrival with an earlier timestamp is clamped forward, not reordered
	require.NoError(t, o.AddObservation(model.PriceObservation{Price: 1.2, Timestamp: now - 5000, Volume: 1, Confidence: 1}))

	obs := o.Observations()
	require.Len(t, obs, 2)
	assert.Equal(t, 1.2, obs[1].Price)
	assert.GreaterOrEqual(t, obs[1].Timestamp, obs[0].Timestamp)
}

func TestHistoryPruning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxObservations = 5
	cfg.MinConfidence = 0
	o := New(cfg)

	for i := 0; i < 20; i++ {
		require.NoError(t, o.AddObservation(testObservation(1.0+float64(i)*0.001, 1.0)))
	}

	assert.Len(t, o.Observations(), 5)
	assert.InDelta(t, 1.019, o.CurrentPrice(), 1e-9)
}

func TestStatus(t *testing.T) {
	o := New(DefaultConfig())
	require.NoError(t, o.AddObservation(testObservation(1.02, 0.9)))
	o.Tick()

	status := o.Status()
	assert.Equal(t, 1.02, status.CurrentPrice)
	assert.Equal(t, 1, status.ObservationCount)
	assert.NotZero(t, status.LastUpdate)
}

func TestUpdateConfig(t *testing.T) {
	o := New(DefaultConfig())
	prior := o.GetConfig()

	interval := 3 * time.Second
	updated := o.UpdateConfig(ConfigPatch{UpdateInterval: &interval})

	assert.Equal(t, 3*time.Second, updated.UpdateInterval)
	// Untouched fields retain prior values
	assert.Equal(t, prior.MinConfidence, updated.MinConfidence)
	assert.Equal(t, prior.FallbackPrice, updated.FallbackPrice)
	assert.Equal(t, prior.AggregationMethod, updated.AggregationMethod)

	method := AggregationMedian
	updated = o.UpdateConfig(ConfigPatch{AggregationMethod: &method})
	assert.Equal(t, AggregationMedian, updated.AggregationMethod)
}
