// Package export pushes executed supply adjustments to an external
// webhook endpoint in batches, for downstream dashboards and audit trails.
package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/peg-stability-engine/internal/model"
)

// Config holds webhook exporter settings.
type Config struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	WebhookURL     string        `yaml:"webhook_url" json:"webhook_url"`
	WebhookAPIKey  string        `yaml:"webhook_api_key,omitempty" json:"webhook_api_key,omitempty"`
	BatchSize      int           `yaml:"batch_size" json:"batch_size"`
	ExportInterval time.Duration `yaml:"export_interval" json:"export_interval"`
}

// Exporter batches executed adjustments and flushes them to the webhook
// either when the batch fills or on a fixed interval.
type Exporter struct {
	cfg        Config
	httpClient *http.Client

	mu         sync.RWMutex
	batch      []model.SupplyAdjustment
	lastExport time.Time

	cancel context.CancelFunc
}

// New creates an exporter. When cfg.Enabled is false the exporter is a
// no-op and Add returns immediately.
func New(cfg Config) *Exporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = time.Minute
	}

	e := &Exporter{
		cfg:   cfg,
		batch: make([]model.SupplyAdjustment, 0, cfg.BatchSize),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}

	if cfg.Enabled {
		var ctx context.Context
		ctx, e.cancel = context.WithCancel(context.Background())
		go e.loop(ctx)
		logrus.WithField("url", cfg.WebhookURL).Info("Adjustment exporter started")
	}
	return e
}

// Add queues an executed adjustment for export.
func (e *Exporter) Add(adj model.SupplyAdjustment) {
	if !e.cfg.Enabled || !adj.Executed() {
		return
	}

	e.mu.Lock()
	e.batch = append(e.batch, adj)
	full := len(e.batch) >= e.cfg.BatchSize
	e.mu.Unlock()

	if full {
		go e.flush()
	}
}

func (e *Exporter) loop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.flush()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Exporter) flush() {
	e.mu.Lock()
	if len(e.batch) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.batch
	e.batch = make([]model.SupplyAdjustment, 0, e.cfg.BatchSize)
	e.lastExport = time.Now()
	e.mu.Unlock()

	if err := e.post(batch); err != nil {
		logrus.Errorf("Failed to export adjustments: %v", err)
		return
	}
	logrus.Debugf("Exported %d supply adjustments", len(batch))
}

func (e *Exporter) post(batch []model.SupplyAdjustment) error {
	payload := struct {
		Adjustments []model.SupplyAdjustment `json:"adjustments"`
		ExportTime  string                   `json:"export_time"`
		Count       int                      `json:"count"`
	}{
		Adjustments: batch,
		ExportTime:  time.Now().UTC().Format(time.RFC3339),
		Count:       len(batch),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal adjustments: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, e.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.WebhookAPIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Status reports the exporter's current state.
func (e *Exporter) Status() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := map[string]interface{}{
		"enabled":         e.cfg.Enabled,
		"batch_size":      e.cfg.BatchSize,
		"export_interval": e.cfg.ExportInterval.String(),
		"pending":         len(e.batch),
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.Format(time.RFC3339)
	}
	return status
}

// Stop ends the background loop and flushes any pending adjustments.
func (e *Exporter) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.flush()
}
