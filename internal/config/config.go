// Package config provides configuration management for llmlimiter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/daveddh/llmlimiter/internal/domain"
)

// Config is the root configuration, assembled from spec §6's enumerated
// options.
type Config struct {
	Models          map[string]ModelConfig       `toml:"models"`
	JobTypes        map[string]ResourceEstimation `toml:"job_types"`
	EscalationOrder []string                      `toml:"escalation_order"`
	Backend         BackendConfig                 `toml:"backend"`
	Ratio           RatioAdjustmentConfig         `toml:"ratio_adjustment"`
	Memory          MemoryConfig                  `toml:"memory"`
	Server          ServerConfig                  `toml:"server"`
	Telemetry       TelemetryConfig               `toml:"telemetry"`
}

// ModelConfig mirrors domain.ModelConfig with TOML tags; Into converts it.
type ModelConfig struct {
	RequestsPerMinute     int     `toml:"requests_per_minute"`
	RequestsPerDay        int     `toml:"requests_per_day"`
	TokensPerMinute       int     `toml:"tokens_per_minute"`
	TokensPerDay          int     `toml:"tokens_per_day"`
	MaxConcurrentRequests int     `toml:"max_concurrent_requests"`
	PriceInputPer1M       float64 `toml:"price_input_per_1m"`
	PriceCachedPer1M      float64 `toml:"price_cached_per_1m"`
	PriceOutputPer1M      float64 `toml:"price_output_per_1m"`
}

// hasPricing reports whether any per-token rate is set, used to catch job
// types that request cost tracking against a model with no pricing at all.
func (m ModelConfig) hasPricing() bool {
	return m.PriceInputPer1M > 0 || m.PriceCachedPer1M > 0 || m.PriceOutputPer1M > 0
}

// Into converts the TOML-shaped config into domain.ModelConfig, scaling
// per-1M prices down to a per-token rate.
func (m ModelConfig) Into(modelID string) domain.ModelConfig {
	return domain.ModelConfig{
		ModelID:               modelID,
		RequestsPerMinute:     m.RequestsPerMinute,
		RequestsPerDay:        m.RequestsPerDay,
		TokensPerMinute:       m.TokensPerMinute,
		TokensPerDay:          m.TokensPerDay,
		MaxConcurrentRequests: m.MaxConcurrentRequests,
		Pricing: domain.Pricing{
			Input:  m.PriceInputPer1M / 1_000_000,
			Cached: m.PriceCachedPer1M / 1_000_000,
			Output: m.PriceOutputPer1M / 1_000_000,
		},
	}
}

// ResourceEstimation mirrors domain.ResourceEstimation with TOML tags.
type ResourceEstimation struct {
	EstimatedUsedTokens       int64   `toml:"estimated_used_tokens"`
	EstimatedNumberOfRequests int64   `toml:"estimated_number_of_requests"`
	MemoryMB                  int64   `toml:"memory_mb"`
	RatioInitial              float64 `toml:"ratio_initial"`
	RatioMin                  float64 `toml:"ratio_min"`
	RatioMax                  float64 `toml:"ratio_max"`
	RatioFixed                bool    `toml:"ratio_fixed"`
	TrackCost                 bool    `toml:"track_cost"`
}

// Into converts the TOML-shaped estimation into domain.ResourceEstimation.
func (e ResourceEstimation) Into(jobType string) domain.ResourceEstimation {
	return domain.ResourceEstimation{
		JobType:                   jobType,
		EstimatedUsedTokens:       e.EstimatedUsedTokens,
		EstimatedNumberOfRequests: e.EstimatedNumberOfRequests,
		MemoryMB:                  e.MemoryMB,
		Ratio: domain.RatioBounds{
			InitialValue: e.RatioInitial,
			Min:          e.RatioMin,
			Max:          e.RatioMax,
			Fixed:        e.RatioFixed,
		},
	}
}

// BackendConfig selects and configures the coordinator driver (spec §6).
type BackendConfig struct {
	Driver           string        `toml:"driver"` // "memory" or "redis"
	RedisAddr        string        `toml:"redis_addr"`
	RedisPassword    string        `toml:"redis_password"`
	RedisDB          int           `toml:"redis_db"`
	KeyPrefix        string        `toml:"key_prefix"`
	HeartbeatTimeout time.Duration `toml:"heartbeat_timeout"`
	CleanupInterval  time.Duration `toml:"cleanup_interval"`
}

// RatioAdjustmentConfig is spec §6's ratioAdjustmentConfig.
type RatioAdjustmentConfig struct {
	Enabled             bool    `toml:"enabled"`
	MinRatio            float64 `toml:"min_ratio"`
	MaxRatio            float64 `toml:"max_ratio"`
	AdjustIntervalMs    int64   `toml:"adjust_interval_ms"`
	QueueDepthThreshold int     `toml:"queue_depth_threshold"`
	SustainedTicks      int     `toml:"sustained_ticks"`
	Step                float64 `toml:"step"`
}

// MemoryConfig is spec §6's memory budget option.
type MemoryConfig struct {
	TotalMB int64 `toml:"total_mb"`
}

// ServerConfig mirrors the teacher's server block, trimmed to what a
// debug/metrics facade needs (spec §0).
type ServerConfig struct {
	MetricsPort int    `toml:"metrics_port"`
	BindAddress string `toml:"bind_address"`
}

// TelemetryConfig mirrors the teacher's logging/telemetry block.
type TelemetryConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "json" or "text"
}

// Default returns a starting configuration with conservative, explicit
// zero values — llmlimiter has no sensible global defaults for quotas.
func Default() *Config {
	return &Config{
		Models:   make(map[string]ModelConfig),
		JobTypes: make(map[string]ResourceEstimation),
		Backend: BackendConfig{
			Driver:           "memory",
			KeyPrefix:        "llmlimiter",
			HeartbeatTimeout: 30 * time.Second,
			CleanupInterval:  10 * time.Second,
		},
		Ratio: RatioAdjustmentConfig{
			QueueDepthThreshold: 1,
			SustainedTicks:      3,
			Step:                0.05,
		},
		Server: ServerConfig{
			MetricsPort: 9090,
			BindAddress: "0.0.0.0",
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads and parses a TOML config file, starting from Default() so
// unset sections keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("llmlimiter: parsing config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides lets deployment tooling override a handful of
// operational fields without editing the file, matching the teacher's
// MODELGATE_*-prefixed override convention.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LLMLIMITER_REDIS_ADDR"); v != "" {
		c.Backend.RedisAddr = v
	}
	if v := os.Getenv("LLMLIMITER_REDIS_PASSWORD"); v != "" {
		c.Backend.RedisPassword = v
	}
	if v := os.Getenv("LLMLIMITER_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("LLMLIMITER_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
}

// Validate checks the config at start() time, per spec §7's
// InvalidConfig error kind: unknown escalation models, missing pricing when cost
// is requested, and negative quotas are all rejected here rather than
// surfacing later as a confusing runtime failure.
func (c *Config) Validate() error {
	for modelID, m := range c.Models {
		if m.RequestsPerMinute < 0 || m.RequestsPerDay < 0 || m.TokensPerMinute < 0 ||
			m.TokensPerDay < 0 || m.MaxConcurrentRequests < 0 {
			return &domain.ErrInvalidConfig{Reason: fmt.Sprintf("model %q has a negative quota", modelID)}
		}
	}
	for _, modelID := range c.EscalationOrder {
		if _, ok := c.Models[modelID]; !ok {
			return &domain.ErrInvalidConfig{Reason: fmt.Sprintf("escalation order names unknown model %q", modelID)}
		}
	}
	for jobType, est := range c.JobTypes {
		if !est.RatioFixed && est.RatioMin > est.RatioMax {
			return &domain.ErrInvalidConfig{Reason: fmt.Sprintf("job type %q has ratio_min > ratio_max", jobType)}
		}
		if est.TrackCost {
			for _, modelID := range c.costCandidateModels() {
				m, ok := c.Models[modelID]
				if ok && !m.hasPricing() {
					return &domain.ErrInvalidConfig{Reason: fmt.Sprintf("job type %q requests cost tracking but model %q has no pricing", jobType, modelID)}
				}
			}
		}
	}
	switch c.Backend.Driver {
	case "memory", "redis":
	default:
		return &domain.ErrInvalidConfig{Reason: fmt.Sprintf("unknown backend driver %q", c.Backend.Driver)}
	}
	if c.Backend.Driver == "redis" && c.Backend.RedisAddr == "" {
		return &domain.ErrInvalidConfig{Reason: "redis backend selected but redis_addr is empty"}
	}
	return nil
}

// costCandidateModels returns every model a job could land on: the
// configured escalation order, or every known model if none is set (a
// caller-supplied Models override can name any of them per spec §4.5).
func (c *Config) costCandidateModels() []string {
	if len(c.EscalationOrder) > 0 {
		return c.EscalationOrder
	}
	out := make([]string, 0, len(c.Models))
	for modelID := range c.Models {
		out = append(out, modelID)
	}
	return out
}

// ModelConfigs converts every TOML model entry into the domain type the
// rest of the system consumes.
func (c *Config) ModelConfigs() map[string]domain.ModelConfig {
	out := make(map[string]domain.ModelConfig, len(c.Models))
	for modelID, m := range c.Models {
		out[modelID] = m.Into(modelID)
	}
	return out
}

// Estimations converts every TOML job type entry into the domain type.
func (c *Config) Estimations() map[string]domain.ResourceEstimation {
	out := make(map[string]domain.ResourceEstimation, len(c.JobTypes))
	for jobType, e := range c.JobTypes {
		out[jobType] = e.Into(jobType)
	}
	return out
}

// RatioBounds extracts the per-job-type RatioBounds from JobTypes, for the
// Ratio Controller's constructor.
func (c *Config) RatioBounds() map[string]domain.RatioBounds {
	out := make(map[string]domain.RatioBounds, len(c.JobTypes))
	for jobType, e := range c.JobTypes {
		out[jobType] = e.Into(jobType).Ratio
	}
	return out
}
