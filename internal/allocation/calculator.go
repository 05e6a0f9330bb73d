// Package allocation implements the pure function that converts raw quota
// limits and per-job-type cost estimations into an integer slot count per
// (jobType, modelId) pair, per spec §4.1. It has no side effects and no
// knowledge of the coordinator, the scheduler, or wall-clock time — every
// input it needs is passed in, which is what lets the Backend Driver re-run
// it on every registration, heartbeat cleanup, and ratio change without
// coordination beyond "give me the current inputs".
package allocation

import (
	"math"

	"github.com/daveddh/llmlimiter/internal/domain"
)

// Inputs bundles everything the calculator needs for one instance, per
// spec §4.1's input list.
type Inputs struct {
	Models      map[string]domain.ModelConfig      // modelId -> config
	Estimations map[string]domain.ResourceEstimation // jobType -> estimation
	InstanceCount int
	Ratios      map[string]float64 // jobType -> this instance's ratio
	MemoryTotalMB int64            // not read by Compute; the memory cap is applied by CapByMemory
}

// Binding records which quota kind produced the smallest slot count for a
// (jobType, modelId) pair, and why — used by Stats/Observer and tests to
// explain an allocation decision.
type Binding struct {
	JobType string
	ModelID string
	Kind    domain.QuotaKind // "" when the model has no quota configured
	Slots   int
}

// Result is the computed allocation plus the bindings that produced it.
type Result struct {
	Table    domain.AllocationTable
	Bindings []Binding
}

// Compute implements spec §4.1 steps 1-6. For each (modelId, jobType) pair:
//  1. per-instance share of each applicable quota kind (limit / N),
//  2. this job type's share of the instance's total ratio,
//  3. translate the per-instance token/request share into slots via the
//     job type's per-unit cost,
//  4. take the minimum across quota kinds (the binding quota),
//  5. zero is a legal result.
//
// Compute does not apply the memory budget; the caller passes its table
// through CapByMemory for that.
//
// Compute is a pure function: calling it twice with identical inputs (and
// identical InstanceCount) always returns identical slot counts. Version
// and InstanceCount in the returned table are left at zero/N — the caller
// stamps the version of the published update it is applying.
func Compute(in Inputs) Result {
	n := in.InstanceCount
	if n <= 0 {
		n = 1
	}

	slots := make(map[string]map[string]int)
	var bindings []Binding

	for jobType, est := range in.Estimations {
		ratioSum := sumRatios(in.Ratios)
		share := 0.0
		if ratioSum > 0 {
			share = in.Ratios[jobType] / ratioSum
		}

		byModel := make(map[string]int)
		for modelID, model := range in.Models {
			s, binding := slotsForPair(model, est, n, share)
			byModel[modelID] = s
			bindings = append(bindings, Binding{JobType: jobType, ModelID: modelID, Kind: binding, Slots: s})
		}
		slots[jobType] = byModel
	}

	return Result{
		Table: domain.AllocationTable{
			InstanceCount:          n,
			SlotsByJobTypeAndModel: slots,
		},
		Bindings: bindings,
	}
}

// slotsForPair computes slots(j,m) for one (jobType, modelId) pair: the
// minimum over every applicable quota kind. No memory cap is applied here.
func slotsForPair(model domain.ModelConfig, est domain.ResourceEstimation, n int, share float64) (int, domain.QuotaKind) {
	kinds := model.ApplicableKinds()
	if len(kinds) == 0 {
		// No quota configured on this model at all: unbounded by quota.
		// The global memory cap, if any, is applied afterwards by
		// CapByMemory since it spans all models for this job type.
		return math.MaxInt32, ""
	}

	best := math.MaxInt64
	var bindingKind domain.QuotaKind
	for _, kind := range kinds {
		limit, _ := model.Limit(kind)
		perInstanceShare := limit / n // S_k = floor(limit_k / N), integer division floors
		cost := est.CostFor(kind)
		if cost <= 0 {
			cost = 1
		}
		s := int64(math.Floor(float64(perInstanceShare) * share / float64(cost)))
		if s < 0 {
			s = 0
		}
		if s < int64(best) {
			best = int(s)
			bindingKind = kind
		}
	}

	return best, bindingKind
}

// CapByMemory enforces spec §4.1 step 5 across the whole table at once:
// floor(memoryBudget / memoryMB(j)) is a ceiling on the sum of slots for
// job type j across all models, since memory is reserved per in-flight job
// regardless of which model it runs on.
func CapByMemory(table domain.AllocationTable, estimations map[string]domain.ResourceEstimation, totalMB int64) domain.AllocationTable {
	if totalMB <= 0 {
		return table
	}
	for jobType, byModel := range table.SlotsByJobTypeAndModel {
		est, ok := estimations[jobType]
		if !ok || est.MemoryMB <= 0 {
			continue
		}
		maxTotal := int(totalMB / est.MemoryMB)
		sum := 0
		for _, s := range byModel {
			sum += s
		}
		if sum <= maxTotal || sum == 0 {
			continue
		}
		// Scale down proportionally, preserving relative shares as closely
		// as integer division allows; the remainder is handed out one slot
		// at a time, in map iteration order, to models still below their
		// uncapped count.
		scaled := make(map[string]int, len(byModel))
		remaining := maxTotal
		for modelID, s := range byModel {
			v := s * maxTotal / sum
			scaled[modelID] = v
			remaining -= v
		}
		for remaining > 0 {
			progressed := false
			for modelID, s := range byModel {
				if remaining <= 0 {
					break
				}
				if scaled[modelID] < s {
					scaled[modelID]++
					remaining--
					progressed = true
				}
			}
			if !progressed {
				break
			}
		}
		table.SlotsByJobTypeAndModel[jobType] = scaled
	}
	return table
}

func sumRatios(ratios map[string]float64) float64 {
	sum := 0.0
	for _, r := range ratios {
		sum += r
	}
	return sum
}
