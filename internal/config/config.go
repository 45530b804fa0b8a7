// Package config provides configuration loading and management for the application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/peg-stability-engine/internal/circuitbreaker"
	"github.com/yourorg/peg-stability-engine/internal/contract"
	"github.com/yourorg/peg-stability-engine/internal/export"
	"github.com/yourorg/peg-stability-engine/internal/oracle"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port string
		// AdminRateLimit caps mutating requests per second
		AdminRateLimit float64
		AdminRateBurst int
	}

	Supply struct {
		InitialSupply  float64
		InitialReserve float64
	}

	Stability contract.Config
	Oracle    oracle.Config

	Feed struct {
		// URL of an external price feed; when empty the simulated
		// source drives the engine
		URL          string
		APIKey       string
		PollInterval time.Duration
		// SimulatedSeed makes the fallback source deterministic
		SimulatedSeed int64
	}

	Breaker circuitbreaker.Thresholds

	Database struct {
		SQLitePath string
	}

	Schedule struct {
		// SnapshotCron records a stability snapshot on this schedule
		SnapshotCron string
	}

	Export export.Config

	// OtelEndpoint enables OTLP trace export when non-empty
	OtelEndpoint string
}

// fileConfig mirrors the YAML layout. Durations are strings so the file
// can say "30m" instead of nanosecond counts; pointers distinguish unset
// fields from explicit zeroes.
type fileConfig struct {
	Server struct {
		Port           string  `yaml:"port"`
		AdminRateLimit float64 `yaml:"admin_rate_limit"`
		AdminRateBurst int     `yaml:"admin_rate_burst"`
	} `yaml:"server"`

	Supply struct {
		InitialSupply  float64 `yaml:"initial_supply"`
		InitialReserve float64 `yaml:"initial_reserve"`
	} `yaml:"supply"`

	Stability struct {
		TargetPrice          *float64 `yaml:"target_price"`
		ToleranceBand        *float64 `yaml:"tolerance_band"`
		MaxSupplyChange      *float64 `yaml:"max_supply_change"`
		ReserveRatio         *float64 `yaml:"reserve_ratio"`
		RebalanceInterval    string   `yaml:"rebalance_interval"`
		AdjustmentDamping    *float64 `yaml:"adjustment_damping"`
		LookbackWindow       string   `yaml:"lookback_window"`
		MaxPriceHistory      *int     `yaml:"max_price_history"`
		MaxAdjustmentHistory *int     `yaml:"max_adjustment_history"`
	} `yaml:"stability"`

	Oracle struct {
		UpdateInterval    string   `yaml:"update_interval"`
		AggregationMethod string   `yaml:"aggregation_method"`
		MinConfidence     *float64 `yaml:"min_confidence"`
		AggregationWindow string   `yaml:"aggregation_window"`
		MaxObservations   *int     `yaml:"max_observations"`
		FallbackPrice     *float64 `yaml:"fallback_price"`
	} `yaml:"oracle"`

	Feed struct {
		URL           string `yaml:"url"`
		APIKey        string `yaml:"api_key"`
		PollInterval  string `yaml:"poll_interval"`
		SimulatedSeed int64  `yaml:"simulated_seed"`
	} `yaml:"feed"`

	Breaker struct {
		MaxPriceChange  float64 `yaml:"max_price_change"`
		MinObservations int     `yaml:"min_observations"`
		MaxDispersion   float64 `yaml:"max_dispersion"`
	} `yaml:"breaker"`

	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`

	Schedule struct {
		SnapshotCron string `yaml:"snapshot_cron"`
	} `yaml:"schedule"`

	Export struct {
		Enabled        bool   `yaml:"enabled"`
		WebhookURL     string `yaml:"webhook_url"`
		WebhookAPIKey  string `yaml:"webhook_api_key"`
		BatchSize      int    `yaml:"batch_size"`
		ExportInterval string `yaml:"export_interval"`
	} `yaml:"export"`

	OtelEndpoint string `yaml:"otel_endpoint"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and fills defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Stability: contract.DefaultConfig(),
		Oracle:    oracle.DefaultConfig(),
	}
	// the fallback follows the peg unless explicitly configured
	cfg.Oracle.FallbackPrice = 0

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
			fc.apply(cfg)
		}
	}

	// Environment variable overrides
	if v := GetEnvOrDefault("PORT", ""); v != "" {
		cfg.Server.Port = v
	}
	if v := GetEnvOrDefault("FEED_URL", ""); v != "" {
		cfg.Feed.URL = v
	}
	if v := GetEnvOrDefault("FEED_API_KEY", ""); v != "" {
		cfg.Feed.APIKey = v
	}
	if v := GetEnvOrDefault("SQLITE_PATH", ""); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""); v != "" {
		cfg.OtelEndpoint = v
	}
	if v := GetEnvOrDefault("WEBHOOK_URL", ""); v != "" {
		cfg.Export.WebhookURL = v
		cfg.Export.Enabled = true
	}
	if v := GetEnvOrDefault("WEBHOOK_API_KEY", ""); v != "" {
		cfg.Export.WebhookAPIKey = v
	}
	cfg.Stability.TargetPrice = GetEnvAsFloat("TARGET_PRICE", cfg.Stability.TargetPrice)
	cfg.Stability.ToleranceBand = GetEnvAsFloat("TOLERANCE_BAND", cfg.Stability.ToleranceBand)
	cfg.Stability.RebalanceInterval = GetEnvAsDuration("REBALANCE_INTERVAL", cfg.Stability.RebalanceInterval)
	cfg.Supply.InitialSupply = GetEnvAsFloat("INITIAL_SUPPLY", cfg.Supply.InitialSupply)
	cfg.Supply.InitialReserve = GetEnvAsFloat("INITIAL_RESERVE", cfg.Supply.InitialReserve)

	cfg.applyDefaults()

	if err := cfg.Stability.Validate(); err != nil {
		return nil, fmt.Errorf("stability config: %w", err)
	}
	return cfg, nil
}

// apply copies parsed file values onto the runtime config, leaving fields
// the file does not mention at their current values.
func (fc *fileConfig) apply(cfg *Config) {
	if fc.Server.Port != "" {
		cfg.Server.Port = fc.Server.Port
	}
	if fc.Server.AdminRateLimit > 0 {
		cfg.Server.AdminRateLimit = fc.Server.AdminRateLimit
	}
	if fc.Server.AdminRateBurst > 0 {
		cfg.Server.AdminRateBurst = fc.Server.AdminRateBurst
	}

	if fc.Supply.InitialSupply > 0 {
		cfg.Supply.InitialSupply = fc.Supply.InitialSupply
	}
	if fc.Supply.InitialReserve > 0 {
		cfg.Supply.InitialReserve = fc.Supply.InitialReserve
	}

	st := &cfg.Stability
	setFloat(&st.TargetPrice, fc.Stability.TargetPrice)
	setFloat(&st.ToleranceBand, fc.Stability.ToleranceBand)
	setFloat(&st.MaxSupplyChange, fc.Stability.MaxSupplyChange)
	setFloat(&st.ReserveRatio, fc.Stability.ReserveRatio)
	setFloat(&st.AdjustmentDamping, fc.Stability.AdjustmentDamping)
	setInt(&st.MaxPriceHistory, fc.Stability.MaxPriceHistory)
	setInt(&st.MaxAdjustmentHistory, fc.Stability.MaxAdjustmentHistory)
	st.RebalanceInterval = parseDuration(fc.Stability.RebalanceInterval, st.RebalanceInterval)
	st.LookbackWindow = parseDuration(fc.Stability.LookbackWindow, st.LookbackWindow)

	or := &cfg.Oracle
	if fc.Oracle.AggregationMethod != "" {
		or.AggregationMethod = fc.Oracle.AggregationMethod
	}
	setFloat(&or.MinConfidence, fc.Oracle.MinConfidence)
	setFloat(&or.FallbackPrice, fc.Oracle.FallbackPrice)
	setInt(&or.MaxObservations, fc.Oracle.MaxObservations)
	or.UpdateInterval = parseDuration(fc.Oracle.UpdateInterval, or.UpdateInterval)
	or.AggregationWindow = parseDuration(fc.Oracle.AggregationWindow, or.AggregationWindow)

	cfg.Feed.URL = fc.Feed.URL
	cfg.Feed.APIKey = fc.Feed.APIKey
	cfg.Feed.PollInterval = parseDuration(fc.Feed.PollInterval, cfg.Feed.PollInterval)
	if fc.Feed.SimulatedSeed != 0 {
		cfg.Feed.SimulatedSeed = fc.Feed.SimulatedSeed
	}

	cfg.Breaker.MaxPriceChange = fc.Breaker.MaxPriceChange
	cfg.Breaker.MinObservations = fc.Breaker.MinObservations
	cfg.Breaker.MaxDispersion = fc.Breaker.MaxDispersion

	cfg.Database.SQLitePath = fc.Database.SQLitePath
	cfg.Schedule.SnapshotCron = fc.Schedule.SnapshotCron

	cfg.Export.Enabled = fc.Export.Enabled
	cfg.Export.WebhookURL = fc.Export.WebhookURL
	cfg.Export.WebhookAPIKey = fc.Export.WebhookAPIKey
	cfg.Export.BatchSize = fc.Export.BatchSize
	cfg.Export.ExportInterval = parseDuration(fc.Export.ExportInterval, cfg.Export.ExportInterval)

	cfg.OtelEndpoint = fc.OtelEndpoint
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// parseDuration parses a duration string, keeping the fallback on empty
// or malformed input.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		logrus.Warnf("Invalid duration %q, using %v", s, fallback)
		return fallback
	}
	return d
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.AdminRateLimit <= 0 {
		c.Server.AdminRateLimit = 5
	}
	if c.Server.AdminRateBurst <= 0 {
		c.Server.AdminRateBurst = 10
	}
	if c.Supply.InitialSupply <= 0 {
		c.Supply.InitialSupply = 1_000_000
	}
	if c.Supply.InitialReserve <= 0 {
		c.Supply.InitialReserve = c.Supply.InitialSupply * c.Stability.ReserveRatio
	}
	if c.Feed.PollInterval <= 0 {
		c.Feed.PollInterval = 15 * time.Second
	}
	if c.Feed.SimulatedSeed == 0 {
		c.Feed.SimulatedSeed = 1
	}
	if c.Breaker.MaxPriceChange <= 0 {
		c.Breaker.MaxPriceChange = 0.5
	}
	if c.Breaker.MinObservations <= 0 {
		c.Breaker.MinObservations = 3
	}
	if c.Breaker.MaxDispersion <= 0 {
		c.Breaker.MaxDispersion = 0.2
	}
	if c.Schedule.SnapshotCron == "" {
		c.Schedule.SnapshotCron = "@every 5m"
	}
	if c.Oracle.FallbackPrice <= 0 {
		c.Oracle.FallbackPrice = c.Stability.TargetPrice
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
