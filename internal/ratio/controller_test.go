package ratio

import (
	"testing"

	"github.com/daveddh/llmlimiter/internal/domain"
)

func TestController_SustainedDemandIncreasesRatio(t *testing.T) {
	c := New(Config{QueueDepthThreshold: 1, SustainedTicks: 3, Step: 0.1}, map[string]domain.RatioBounds{
		"summarize": {InitialValue: 0.5, Min: 0.1, Max: 0.9},
	})

	for i := 0; i < 2; i++ {
		if c.Observe(map[string]int{"summarize": 5}) {
			t.Fatalf("ratio should not change before %d sustained ticks", c.cfg.SustainedTicks)
		}
	}
	if !c.Observe(map[string]int{"summarize": 5}) {
		t.Fatal("expected ratio to change on the 3rd sustained tick")
	}
	if got := c.Snapshot()["summarize"]; got != 0.6 {
		t.Fatalf("expected ratio 0.6, got %v", got)
	}
}

func TestController_RatioNeverExceedsMax(t *testing.T) {
	c := New(Config{QueueDepthThreshold: 1, SustainedTicks: 1, Step: 0.5}, map[string]domain.RatioBounds{
		"summarize": {InitialValue: 0.8, Min: 0.1, Max: 0.9},
	})
	c.Observe(map[string]int{"summarize": 5})
	if got := c.Snapshot()["summarize"]; got != 0.9 {
		t.Fatalf("expected ratio clamped to max 0.9, got %v", got)
	}
}

func TestController_IdleJobTypeLosesRatioDownToMin(t *testing.T) {
	c := New(Config{QueueDepthThreshold: 1, SustainedTicks: 1, Step: 0.2}, map[string]domain.RatioBounds{
		"summarize": {InitialValue: 0.3, Min: 0.1, Max: 0.9},
		"embed":     {InitialValue: 0.3, Min: 0.1, Max: 0.9},
	})

	if !c.Observe(map[string]int{"summarize": 0, "embed": 0}) {
		t.Fatal("expected idle job types to lose ratio")
	}
	snap := c.Snapshot()
	if snap["summarize"] != 0.1 {
		t.Fatalf("expected summarize ratio clamped to min 0.1, got %v", snap["summarize"])
	}
}

func TestController_FixedRatioNeverChanges(t *testing.T) {
	c := New(Config{QueueDepthThreshold: 1, SustainedTicks: 1, Step: 0.5}, map[string]domain.RatioBounds{
		"summarize": {InitialValue: 0.5, Min: 0.1, Max: 0.9, Fixed: true},
	})
	c.Observe(map[string]int{"summarize": 100})
	if got := c.Snapshot()["summarize"]; got != 0.5 {
		t.Fatalf("expected fixed ratio to stay 0.5, got %v", got)
	}
}

func TestController_SetFixedPinsRatio(t *testing.T) {
	c := New(Config{QueueDepthThreshold: 1, SustainedTicks: 1, Step: 0.5}, map[string]domain.RatioBounds{
		"summarize": {InitialValue: 0.5, Min: 0.1, Max: 0.9},
	})
	c.SetFixed("summarize", 0.2)
	c.Observe(map[string]int{"summarize": 100})
	if got := c.Snapshot()["summarize"]; got != 0.2 {
		t.Fatalf("expected pinned ratio 0.2, got %v", got)
	}
}

func TestController_NeverStarvesAllJobTypes(t *testing.T) {
	c := New(Config{QueueDepthThreshold: 1, SustainedTicks: 1, Step: 1}, map[string]domain.RatioBounds{
		"only": {InitialValue: 0.5, Min: 0, Max: 1},
	})
	c.Observe(map[string]int{"only": 0})
	snap := c.Snapshot()
	var sum float64
	for _, r := range snap {
		sum += r
	}
	if sum <= 0 {
		t.Fatalf("expected sum of ratios to stay positive, got %v", sum)
	}
}
