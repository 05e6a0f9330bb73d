// Package reconcile implements the Usage Reconciler (spec §4.6): turning a
// job's actual usage into the per-quota-kind cost the Backend Driver's
// Release expects, and pricing that usage into a dollar total for the
// completion callback.
package reconcile

import (
	"github.com/daveddh/llmlimiter/internal/backend"
	"github.com/daveddh/llmlimiter/internal/domain"
)

// ActualCost projects a job's reported requestCount/usage onto every quota
// kind the model exposes, mirroring ResourceEstimation.CostFor so the
// estimated and actual costs are computed the same way.
func ActualCost(kinds []domain.QuotaKind, requestCount int64, usage domain.Usage) backend.Cost {
	cost := make(backend.Cost, len(kinds))
	for _, kind := range kinds {
		switch {
		case kind.IsTokenQuota():
			cost[kind] = usage.Tokens()
		case kind == domain.QuotaConcurrent:
			cost[kind] = 1
		default:
			cost[kind] = requestCount
		}
	}
	return cost
}

// Refund returns max(0, estimated-actual) per kind — the unconditional
// amount handed back to the coordinator (spec §4.6).
func Refund(estimated, actual backend.Cost) backend.Cost {
	out := make(backend.Cost, len(estimated))
	for kind, est := range estimated {
		if d := est - actual[kind]; d > 0 {
			out[kind] = d
		}
	}
	return out
}

// Overage returns max(0, actual-estimated) per kind — applied even if it
// pushes a quota above its nominal limit, per spec §4.6's "honest
// accounting" rule.
func Overage(estimated, actual backend.Cost) backend.Cost {
	out := make(backend.Cost, len(actual))
	for kind, act := range actual {
		if d := act - estimated[kind]; d > 0 {
			out[kind] = d
		}
	}
	return out
}

// TotalPrice prices a job's usage against the model's pricing table. A
// zero-value Pricing (absent in config) naturally yields 0 (spec §4.6).
func TotalPrice(pricing domain.Pricing, usage domain.Usage) float64 {
	return pricing.TotalCost(usage)
}
