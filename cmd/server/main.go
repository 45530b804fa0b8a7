// Package main is the entry point for the peg stability engine, a service
// that holds a synthetic asset at its target price by expanding and
// contracting supply in response to oracle price data.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/peg-stability-engine/internal/config"
	"github.com/yourorg/peg-stability-engine/internal/contract"
	"github.com/yourorg/peg-stability-engine/internal/feed"
	"github.com/yourorg/peg-stability-engine/internal/oracle"
	"github.com/yourorg/peg-stability-engine/internal/otel"
	"github.com/yourorg/peg-stability-engine/internal/recorder"
	"github.com/yourorg/peg-stability-engine/internal/service"
)

// Server exposes the stabilization service over HTTP.
type Server struct {
	cfg     *config.Config
	engine  *service.Service
	server  *http.Server
	adminRL *rate.Limiter
}

func main() {
	setupLogging()

	cfg, err := config.Load(config.GetEnvOrDefault("CONFIG_PATH", "config.yaml"))
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	shutdownTracing := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracing()

	engine := service.New(cfg, buildSource(cfg), buildRecorder(cfg))
	engine.Start()

	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		adminRL: rate.NewLimiter(rate.Limit(cfg.Server.AdminRateLimit), cfg.Server.AdminRateBurst),
	}
	srv.Run()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// buildSource picks the price feed: a remote JSON feed when configured,
// otherwise the deterministic simulated market.
func buildSource(cfg *config.Config) feed.Source {
	if cfg.Feed.URL != "" {
		logrus.WithField("url", cfg.Feed.URL).Info("Using remote price feed")
		return feed.NewJSONClient("remote", cfg.Feed.URL, cfg.Feed.APIKey)
	}
	logrus.Info("No feed URL configured, using simulated market")
	return feed.NewSimulatedSource(cfg.Stability.TargetPrice, cfg.Feed.SimulatedSeed)
}

// buildRecorder opens the SQLite recorder when a path is configured.
func buildRecorder(cfg *config.Config) recorder.Recorder {
	if cfg.Database.SQLitePath == "" {
		return recorder.Noop{}
	}
	rec, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath)
	if err != nil {
		logrus.Warnf("Failed to open recorder at %s, history will not persist: %v",
			cfg.Database.SQLitePath, err)
		return recorder.Noop{}
	}
	return rec
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run() {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stability", s.handleStability)
	mux.HandleFunc("/history", s.handleHistory)
	mux.Handle("/metrics", s.engine.MetricsHandler())

	mux.HandleFunc("/price", s.admin(s.handlePrice))
	mux.HandleFunc("/rebalance", s.admin(s.handleRebalance))
	mux.HandleFunc("/shock", s.admin(s.handleShock))
	mux.HandleFunc("/config", s.admin(s.handleConfig))
	mux.HandleFunc("/oracle/config", s.admin(s.handleOracleConfig))

	s.server = &http.Server{
		Addr:         ":" + s.cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Server.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	s.engine.Stop()
	logrus.Info("Server stopped")
}

// admin wraps mutating endpoints: POST only, rate limited.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if !s.adminRL.Allow() {
			s.errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.engine.GetStatus())
}

// handleStability serves the combined engine metrics snapshot.
func (s *Server) handleStability(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.engine.GetMetrics())
}

// handleHistory serves recent supply adjustments, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"adjustments": s.engine.GetSupplyHistory(limit),
	})
}

// handlePrice injects a price observation manually.
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer().Start(r.Context(), "set_price")
	defer span.End()

	var req struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.engine.SetPrice(req.Price); err != nil {
		otel.RecordError(ctx, err)
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, s.engine.GetMetrics())
}

// handleRebalance forces an immediate rebalance attempt.
func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer().Start(r.Context(), "rebalance")
	defer span.End()

	adj := s.engine.PerformRebalance()
	resp := map[string]interface{}{
		"executed": adj != nil,
		"supply":   s.engine.Contract().GetSupplyInfo(),
	}
	if adj != nil {
		resp["adjustment"] = adj
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// handleShock applies a simulated market shock.
func (s *Server) handleShock(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer().Start(r.Context(), "market_shock")
	defer span.End()

	var req struct {
		Fraction float64 `json:"fraction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Fraction <= -1 {
		s.errorResponse(w, http.StatusBadRequest, "Shock fraction must be greater than -1")
		return
	}

	obs, err := s.engine.SimulateMarketShock(req.Fraction)
	if err != nil {
		otel.RecordError(ctx, err)
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"observation": obs,
		"metrics":     s.engine.GetMetrics(),
	})
}

// handleConfig applies a partial stability config update.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var patch contract.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cfg, err := s.engine.UpdateConfig(patch)
	if err != nil {
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, cfg)
}

// handleOracleConfig applies a partial oracle config update.
func (s *Server) handleOracleConfig(w http.ResponseWriter, r *http.Request) {
	var patch oracle.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.jsonResponse(w, http.StatusOK, s.engine.UpdateOracleConfig(patch))
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

// errorResponse returns a JSON error body with the given status.
func (s *Server) errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	s.jsonResponse(w, statusCode, map[string]interface{}{
		"status": "error",
		"error":  errorMsg,
	})
}
