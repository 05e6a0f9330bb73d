// Package main is the entry point for the llmlimiter demo daemon: it
// loads configuration, builds a Limiter, and serves a thin debug HTTP
// facade in front of it (spec §0's scoped-down HTTP surface — queueJob
// over HTTP and an SSE stats stream, not a full gateway).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	llmlimiter "github.com/daveddh/llmlimiter"
	"github.com/daveddh/llmlimiter/internal/backend"
	"github.com/daveddh/llmlimiter/internal/config"
	"github.com/daveddh/llmlimiter/internal/domain"
	"github.com/daveddh/llmlimiter/internal/ratio"
	"github.com/daveddh/llmlimiter/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	logLevel := slog.LevelInfo
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if level, ok := parseLevel(cfg.Telemetry.LogLevel); ok {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	}

	slog.Info("starting llmlimiter", "backend", cfg.Backend.Driver, "models", len(cfg.Models))

	metrics := telemetry.NewMetrics(nil)

	driver, err := buildDriver(cfg)
	if err != nil {
		slog.Error("failed to build backend driver", "error", err)
		os.Exit(1)
	}

	limiter, err := llmlimiter.New(llmlimiter.Config{
		Models:          cfg.ModelConfigs(),
		EscalationOrder: cfg.EscalationOrder,
		Estimations:     cfg.Estimations(),
		RatioBounds:     cfg.RatioBounds(),
		Backend:         driver,
		BackendConfig: backend.Config{
			Models:           cfg.ModelConfigs(),
			Estimations:      cfg.Estimations(),
			HeartbeatTimeout: cfg.Backend.HeartbeatTimeout,
			CleanupInterval:  cfg.Backend.CleanupInterval,
			MemoryTotalMB:    cfg.Memory.TotalMB,
			KeyPrefix:        cfg.Backend.KeyPrefix,
		},
		RatioAdjustment: ratio.Config{
			Enabled:             cfg.Ratio.Enabled,
			AdjustIntervalMs:    cfg.Ratio.AdjustIntervalMs,
			QueueDepthThreshold: cfg.Ratio.QueueDepthThreshold,
			SustainedTicks:      cfg.Ratio.SustainedTicks,
			Step:                cfg.Ratio.Step,
		},
		MemoryTotalMB: cfg.Memory.TotalMB,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		slog.Error("failed to construct limiter", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := limiter.Start(ctx); err != nil {
		slog.Error("failed to start limiter", "error", err)
		os.Exit(1)
	}
	slog.Info("limiter started", "instance_id", limiter.GetInstanceID())

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/v1/queueJob", queueJobHandler(limiter))
	mux.HandleFunc("/v1/stats", statsHandler(limiter))
	mux.HandleFunc("/v1/stats/stream", statsStreamHandler(limiter))

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		slog.Info("debug HTTP facade listening", "addr", addr, "endpoints", []string{"/v1/queueJob", "/v1/stats", "/v1/stats/stream", "/metrics"})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
	if err := limiter.Stop(); err != nil {
		slog.Warn("limiter stop error", "error", err)
	}
	cancel()
	slog.Info("llmlimiter stopped")
}

func buildDriver(cfg *config.Config) (backend.Driver, error) {
	switch cfg.Backend.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Backend.RedisAddr,
			Password: cfg.Backend.RedisPassword,
			DB:       cfg.Backend.RedisDB,
		})
		return backend.NewRedisDriver(client, backend.Config{
			Models:           cfg.ModelConfigs(),
			Estimations:      cfg.Estimations(),
			HeartbeatTimeout: cfg.Backend.HeartbeatTimeout,
			CleanupInterval:  cfg.Backend.CleanupInterval,
			MemoryTotalMB:    cfg.Memory.TotalMB,
			KeyPrefix:        cfg.Backend.KeyPrefix,
		}), nil
	default:
		return backend.NewMemoryDriver(backend.Config{
			Models:           cfg.ModelConfigs(),
			Estimations:      cfg.Estimations(),
			HeartbeatTimeout: cfg.Backend.HeartbeatTimeout,
			CleanupInterval:  cfg.Backend.CleanupInterval,
			MemoryTotalMB:    cfg.Memory.TotalMB,
		}, nil), nil
	}
}

func parseLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// queueJobRequest is the wire shape of a debug-facade job submission. The
// job body itself is opaque; this endpoint only exercises the escalation
// and accounting machinery against a synthetic usage report, since a real
// job callback (an actual LLM call) has no generic HTTP representation.
type queueJobRequest struct {
	JobID        string   `json:"jobId"`
	JobType      string   `json:"jobType"`
	Models       []string `json:"models"`
	MaxWaitMs    int64    `json:"maxWaitMs"`
	RequestCount int64    `json:"requestCount"`
	InputTokens  int64    `json:"inputTokens"`
	CachedTokens int64    `json:"cachedTokens"`
	OutputTokens int64    `json:"outputTokens"`
}

func queueJobHandler(limiter *llmlimiter.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req queueJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}

		result, err := limiter.QueueJob(r.Context(), llmlimiter.JobRequest{
			JobID:     req.JobID,
			JobType:   req.JobType,
			Models:    req.Models,
			MaxWaitMs: req.MaxWaitMs,
			Job: func(ctx context.Context, jc llmlimiter.JobContext, resolve llmlimiter.Resolver) (llmlimiter.JobOutput, error) {
				return llmlimiter.JobOutput{
					RequestCount: req.RequestCount,
					Usage: domain.Usage{
						Input:  req.InputTokens,
						Cached: req.CachedTokens,
						Output: req.OutputTokens,
					},
				}, nil
			},
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func statsHandler(limiter *llmlimiter.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(limiter.GetStats(r.Context()))
	}
}

// statsStreamHandler serves an SSE stream of periodic stats snapshots, per
// §0's minimal debug facade.
func statsStreamHandler(limiter *llmlimiter.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				payload, err := json.Marshal(limiter.GetStats(r.Context()))
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}
