package reconcile

import (
	"testing"

	"github.com/daveddh/llmlimiter/internal/backend"
	"github.com/daveddh/llmlimiter/internal/domain"
)

func TestActualCost_ProjectsUsageOntoApplicableKinds(t *testing.T) {
	kinds := []domain.QuotaKind{domain.QuotaRPM, domain.QuotaTPM, domain.QuotaConcurrent}
	usage := domain.Usage{Input: 100, Cached: 20, Output: 30}
	cost := ActualCost(kinds, 3, usage)

	if cost[domain.QuotaRPM] != 3 {
		t.Fatalf("expected RPM cost to be the request count 3, got %d", cost[domain.QuotaRPM])
	}
	if cost[domain.QuotaTPM] != usage.Tokens() {
		t.Fatalf("expected TPM cost to be total tokens %d, got %d", usage.Tokens(), cost[domain.QuotaTPM])
	}
	if cost[domain.QuotaConcurrent] != 1 {
		t.Fatalf("expected CONCURRENT cost to always be 1, got %d", cost[domain.QuotaConcurrent])
	}
}

func TestRefund_IsUnconditionalWhenActualIsLess(t *testing.T) {
	estimated := backend.Cost{domain.QuotaRPM: 5, domain.QuotaTPM: 1000}
	actual := backend.Cost{domain.QuotaRPM: 2, domain.QuotaTPM: 1000}

	refund := Refund(estimated, actual)
	if refund[domain.QuotaRPM] != 3 {
		t.Fatalf("expected refund of 3, got %d", refund[domain.QuotaRPM])
	}
	if refund[domain.QuotaTPM] != 0 {
		t.Fatalf("expected no refund when actual equals estimated, got %d", refund[domain.QuotaTPM])
	}
}

func TestRefund_NeverNegative(t *testing.T) {
	estimated := backend.Cost{domain.QuotaRPM: 2}
	actual := backend.Cost{domain.QuotaRPM: 5} // overage, not a refund case
	refund := Refund(estimated, actual)
	if refund[domain.QuotaRPM] != 0 {
		t.Fatalf("expected zero refund when actual exceeds estimated, got %d", refund[domain.QuotaRPM])
	}
}

func TestOverage_AppliedEvenAboveNominalLimit(t *testing.T) {
	estimated := backend.Cost{domain.QuotaTPM: 1000}
	actual := backend.Cost{domain.QuotaTPM: 1400}
	overage := Overage(estimated, actual)
	if overage[domain.QuotaTPM] != 400 {
		t.Fatalf("expected overage of 400, got %d", overage[domain.QuotaTPM])
	}
}

func TestOverage_ZeroWhenActualWithinEstimate(t *testing.T) {
	estimated := backend.Cost{domain.QuotaTPM: 1000}
	actual := backend.Cost{domain.QuotaTPM: 600}
	overage := Overage(estimated, actual)
	if overage[domain.QuotaTPM] != 0 {
		t.Fatalf("expected zero overage when actual is under estimate, got %d", overage[domain.QuotaTPM])
	}
}

func TestRefundAndOverage_ReproduceActualWhenAppliedToEstimate(t *testing.T) {
	// estimated - refund + overage must always reconstruct actual: this is
	// the algebraic identity the scheduler relies on when it logs refund
	// and overage separately but the driver still settles on actual cost.
	estimated := backend.Cost{domain.QuotaRPM: 10}
	for _, actual := range []backend.Cost{
		{domain.QuotaRPM: 4},
		{domain.QuotaRPM: 10},
		{domain.QuotaRPM: 17},
		{domain.QuotaRPM: 0},
	} {
		refund := Refund(estimated, actual)
		overage := Overage(estimated, actual)
		got := estimated[domain.QuotaRPM] - refund[domain.QuotaRPM] + overage[domain.QuotaRPM]
		if got != actual[domain.QuotaRPM] {
			t.Fatalf("estimated-refund+overage = %d, want %d (actual)", got, actual[domain.QuotaRPM])
		}
	}
}

func TestTotalPrice_ZeroWhenPricingAbsent(t *testing.T) {
	usage := domain.Usage{Input: 1000, Cached: 500, Output: 200}
	if got := TotalPrice(domain.Pricing{}, usage); got != 0 {
		t.Fatalf("expected zero price with absent pricing, got %v", got)
	}
}

func TestTotalPrice_SumsWeightedUsage(t *testing.T) {
	pricing := domain.Pricing{Input: 0.01, Cached: 0.005, Output: 0.02}
	usage := domain.Usage{Input: 100, Cached: 100, Output: 100}
	want := 100*0.01 + 100*0.005 + 100*0.02
	if got := TotalPrice(pricing, usage); got != want {
		t.Fatalf("expected total price %v, got %v", want, got)
	}
}
