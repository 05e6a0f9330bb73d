package config

import "testing"

func TestValidate_RejectsNegativeQuota(t *testing.T) {
	cfg := Default()
	cfg.Models["m"] = ModelConfig{RequestsPerMinute: -1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative quota to be rejected")
	}
}

func TestValidate_RejectsUnknownEscalationModel(t *testing.T) {
	cfg := Default()
	cfg.EscalationOrder = []string{"ghost"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown escalation model to be rejected")
	}
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Backend.Driver = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown backend driver to be rejected")
	}
}

func TestValidate_RejectsRedisWithoutAddr(t *testing.T) {
	cfg := Default()
	cfg.Backend.Driver = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected redis backend without redis_addr to be rejected")
	}
}

func TestValidate_RejectsCostTrackingWithoutPricing(t *testing.T) {
	cfg := Default()
	cfg.Models["m"] = ModelConfig{RequestsPerMinute: 1000}
	cfg.EscalationOrder = []string{"m"}
	cfg.JobTypes["chat"] = ResourceEstimation{TrackCost: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected cost tracking against an unpriced model to be rejected")
	}
}

func TestValidate_AcceptsCostTrackingWithPricing(t *testing.T) {
	cfg := Default()
	cfg.Models["m"] = ModelConfig{RequestsPerMinute: 1000, PriceInputPer1M: 3.0}
	cfg.EscalationOrder = []string{"m"}
	cfg.JobTypes["chat"] = ResourceEstimation{TrackCost: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected cost tracking against a priced model to pass, got %v", err)
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := Default()
	cfg.Models["m"] = ModelConfig{RequestsPerMinute: 1000}
	cfg.EscalationOrder = []string{"m"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestModelConfigs_ConvertsPricingPerToken(t *testing.T) {
	cfg := Default()
	cfg.Models["m"] = ModelConfig{PriceInputPer1M: 3.0}
	models := cfg.ModelConfigs()
	if got := models["m"].Pricing.Input; got != 3.0/1_000_000 {
		t.Fatalf("expected per-token price %v, got %v", 3.0/1_000_000, got)
	}
}
