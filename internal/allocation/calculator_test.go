package allocation

import (
	"testing"

	"github.com/daveddh/llmlimiter/internal/domain"
)

func TestCompute_BasicQueue(t *testing.T) {
	// Seed scenario 1 from spec §8: one instance, tokensPerMinute=100000,
	// estimatedUsedTokens=10000 -> 10 slots.
	in := Inputs{
		Models: map[string]domain.ModelConfig{
			"m": {ModelID: "m", TokensPerMinute: 100000},
		},
		Estimations: map[string]domain.ResourceEstimation{
			"j": {JobType: "j", EstimatedUsedTokens: 10000, Ratio: domain.RatioBounds{InitialValue: 1}},
		},
		InstanceCount: 1,
		Ratios:        map[string]float64{"j": 1},
	}

	res := Compute(in)
	got := res.Table.Slots("j", "m")
	if got != 10 {
		t.Fatalf("expected 10 slots, got %d", got)
	}
}

func TestCompute_TwoInstanceFairness(t *testing.T) {
	// Seed scenario 5: TPM=100000, estimatedTokens=10000, two instances
	// with equal ratios -> 5 slots each.
	in := Inputs{
		Models: map[string]domain.ModelConfig{
			"m": {ModelID: "m", TokensPerMinute: 100000},
		},
		Estimations: map[string]domain.ResourceEstimation{
			"j": {JobType: "j", EstimatedUsedTokens: 10000},
		},
		InstanceCount: 2,
		Ratios:        map[string]float64{"j": 1},
	}

	res := Compute(in)
	if got := res.Table.Slots("j", "m"); got != 5 {
		t.Fatalf("expected 5 slots with 2 instances, got %d", got)
	}

	// After instance B is removed (N becomes 1), A should see 10.
	in.InstanceCount = 1
	res = Compute(in)
	if got := res.Table.Slots("j", "m"); got != 10 {
		t.Fatalf("expected 10 slots after reallocation to 1 instance, got %d", got)
	}
}

func TestCompute_EscalationModelWithZeroSlots(t *testing.T) {
	// Seed scenario 2: m1 has zero capacity for this job type (e.g. a very
	// low TPM relative to cost), m2 has capacity.
	in := Inputs{
		Models: map[string]domain.ModelConfig{
			"m1": {ModelID: "m1", TokensPerMinute: 100},
			"m2": {ModelID: "m2", TokensPerMinute: 100000},
		},
		Estimations: map[string]domain.ResourceEstimation{
			"j": {JobType: "j", EstimatedUsedTokens: 10000},
		},
		InstanceCount: 1,
		Ratios:        map[string]float64{"j": 1},
	}

	res := Compute(in)
	if got := res.Table.Slots("j", "m1"); got != 0 {
		t.Fatalf("expected 0 slots on m1, got %d", got)
	}
	if got := res.Table.Slots("j", "m2"); got != 10 {
		t.Fatalf("expected 10 slots on m2, got %d", got)
	}
}

func TestCompute_FairnessAcrossEqualRatioJobTypes(t *testing.T) {
	in := Inputs{
		Models: map[string]domain.ModelConfig{
			"m": {ModelID: "m", RequestsPerMinute: 21},
		},
		Estimations: map[string]domain.ResourceEstimation{
			"a": {JobType: "a", EstimatedNumberOfRequests: 1},
			"b": {JobType: "b", EstimatedNumberOfRequests: 1},
		},
		InstanceCount: 1,
		Ratios:        map[string]float64{"a": 1, "b": 1},
	}

	res := Compute(in)
	sa := res.Table.Slots("a", "m")
	sb := res.Table.Slots("b", "m")
	diff := sa - sb
	if diff < -1 || diff > 1 {
		t.Fatalf("expected slot counts within 1 of each other for equal ratios, got a=%d b=%d", sa, sb)
	}
}

func TestCompute_BindingQuotaIsSmallest(t *testing.T) {
	in := Inputs{
		Models: map[string]domain.ModelConfig{
			"m": {ModelID: "m", TokensPerMinute: 100000, RequestsPerMinute: 2},
		},
		Estimations: map[string]domain.ResourceEstimation{
			"j": {JobType: "j", EstimatedUsedTokens: 1000, EstimatedNumberOfRequests: 1},
		},
		InstanceCount: 1,
		Ratios:        map[string]float64{"j": 1},
	}

	res := Compute(in)
	// TPM allows 100 slots, RPM allows 2 -- RPM must bind.
	if got := res.Table.Slots("j", "m"); got != 2 {
		t.Fatalf("expected RPM to bind at 2 slots, got %d", got)
	}
	var bound bool
	for _, b := range res.Bindings {
		if b.JobType == "j" && b.ModelID == "m" {
			if b.Kind != domain.QuotaRPM {
				t.Fatalf("expected binding kind rpm, got %v", b.Kind)
			}
			bound = true
		}
	}
	if !bound {
		t.Fatal("expected a binding entry for j/m")
	}
}

func TestCompute_ZeroRatioSumYieldsZeroSlots(t *testing.T) {
	in := Inputs{
		Models: map[string]domain.ModelConfig{
			"m": {ModelID: "m", TokensPerMinute: 100000},
		},
		Estimations: map[string]domain.ResourceEstimation{
			"j": {JobType: "j", EstimatedUsedTokens: 10000},
		},
		InstanceCount: 1,
		Ratios:        map[string]float64{"j": 0},
	}

	res := Compute(in)
	if got := res.Table.Slots("j", "m"); got != 0 {
		t.Fatalf("expected 0 slots when ratio sum is zero, got %d", got)
	}
}

func TestCapByMemory(t *testing.T) {
	table := domain.AllocationTable{
		SlotsByJobTypeAndModel: map[string]map[string]int{
			"j": {"m1": 10, "m2": 10},
		},
	}
	estimations := map[string]domain.ResourceEstimation{
		"j": {JobType: "j", MemoryMB: 100},
	}

	capped := CapByMemory(table, estimations, 1000) // budget for 10 total
	sum := 0
	for _, s := range capped.SlotsByJobTypeAndModel["j"] {
		sum += s
	}
	if sum != 10 {
		t.Fatalf("expected memory cap to bring total to 10, got %d", sum)
	}
}
