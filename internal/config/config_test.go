package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 1.0, cfg.Stability.TargetPrice)
	assert.Equal(t, 0.02, cfg.Stability.ToleranceBand)
	assert.Equal(t, 1_000_000.0, cfg.Supply.InitialSupply)
	// reserve defaults to the configured backing ratio
	assert.InDelta(t, 200_000.0, cfg.Supply.InitialReserve, 1e-9)
	assert.Equal(t, 15*time.Second, cfg.Feed.PollInterval)
	assert.Equal(t, "@every 5m", cfg.Schedule.SnapshotCron)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: "9090"
supply:
  initial_supply: 50000
  initial_reserve: 15000
stability:
  target_price: 2.0
  tolerance_band: 0.05
  max_supply_change: 0.10
  reserve_ratio: 0.20
  rebalance_interval: 30m
  adjustment_damping: 0.5
  lookback_window: 5m
oracle:
  aggregation_method: median
feed:
  poll_interval: 5s
database:
  sqlite_path: /tmp/peg.db
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 2.0, cfg.Stability.TargetPrice)
	assert.Equal(t, 0.05, cfg.Stability.ToleranceBand)
	assert.Equal(t, 30*time.Minute, cfg.Stability.RebalanceInterval)
	assert.Equal(t, 50000.0, cfg.Supply.InitialSupply)
	assert.Equal(t, 15000.0, cfg.Supply.InitialReserve)
	assert.Equal(t, 5*time.Second, cfg.Feed.PollInterval)
	assert.Equal(t, "/tmp/peg.db", cfg.Database.SQLitePath)
	assert.Equal(t, "median", cfg.Oracle.AggregationMethod)
	// fallback price follows the peg when unset
	assert.Equal(t, 2.0, cfg.Oracle.FallbackPrice)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("TARGET_PRICE", "1.5")
	t.Setenv("REBALANCE_INTERVAL", "10m")
	t.Setenv("SQLITE_PATH", "/tmp/override.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 1.5, cfg.Stability.TargetPrice)
	assert.Equal(t, 10*time.Minute, cfg.Stability.RebalanceInterval)
	assert.Equal(t, "/tmp/override.db", cfg.Database.SQLitePath)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoadRejectsInvalidStabilityConfig(t *testing.T) {
	t.Setenv("TOLERANCE_BAND", "-0.5")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
