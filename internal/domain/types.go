// Package domain defines the core data model shared by every component of
// llmlimiter: model configuration, quotas, allocation tables, and the
// lifecycle of a job as it moves through the scheduler.
package domain

import (
	"time"
)

// =============================================================================
// Quota kinds
// =============================================================================

// QuotaKind identifies one of the simultaneously enforced quota dimensions.
type QuotaKind string

const (
	QuotaRPM        QuotaKind = "rpm"
	QuotaRPD        QuotaKind = "rpd"
	QuotaTPM        QuotaKind = "tpm"
	QuotaTPD        QuotaKind = "tpd"
	QuotaConcurrent QuotaKind = "concurrent"
)

// AllQuotaKinds returns every quota kind in a stable order, used whenever
// allocation or usage needs to iterate kinds deterministically.
func AllQuotaKinds() []QuotaKind {
	return []QuotaKind{QuotaRPM, QuotaRPD, QuotaTPM, QuotaTPD, QuotaConcurrent}
}

// Window returns the sliding-window duration for decayed quota kinds, and
// false for QuotaConcurrent which has no decay.
func (k QuotaKind) Window() (time.Duration, bool) {
	switch k {
	case QuotaRPM, QuotaTPM:
		return time.Minute, true
	case QuotaRPD, QuotaTPD:
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}

// IsTokenQuota reports whether the quota kind is bounded by token cost
// (true) or by request-count cost (false, including CONCURRENT).
func (k QuotaKind) IsTokenQuota() bool {
	return k == QuotaTPM || k == QuotaTPD
}

// =============================================================================
// Pricing
// =============================================================================

// Pricing is cost per unit for the three usage buckets a job may report.
type Pricing struct {
	Input  float64
	Cached float64
	Output float64
}

// TotalCost computes input*Input + cached*Cached + output*Output. Per
// spec §4.6, an absent (zero-value) Pricing yields a total of zero.
func (p Pricing) TotalCost(u Usage) float64 {
	return float64(u.Input)*p.Input + float64(u.Cached)*p.Cached + float64(u.Output)*p.Output
}

// Usage is actual or estimated token consumption, split by bucket.
type Usage struct {
	Input  int64
	Cached int64
	Output int64
}

// Tokens returns the sum of all three buckets — the value accounted
// against TPM/TPD quotas.
func (u Usage) Tokens() int64 {
	return u.Input + u.Cached + u.Output
}

// =============================================================================
// ModelConfig
// =============================================================================

// ModelConfig describes one provider/model's quotas and pricing. Any of the
// limit fields may be zero to mean "this quota kind does not bound this
// model" per spec §3.
type ModelConfig struct {
	ModelID string

	RequestsPerMinute     int
	RequestsPerDay        int
	TokensPerMinute       int
	TokensPerDay          int
	MaxConcurrentRequests int

	Pricing Pricing
}

// Limit returns the configured limit for a quota kind, and whether that
// kind bounds this model at all.
func (m ModelConfig) Limit(kind QuotaKind) (int, bool) {
	switch kind {
	case QuotaRPM:
		return m.RequestsPerMinute, m.RequestsPerMinute > 0
	case QuotaRPD:
		return m.RequestsPerDay, m.RequestsPerDay > 0
	case QuotaTPM:
		return m.TokensPerMinute, m.TokensPerMinute > 0
	case QuotaTPD:
		return m.TokensPerDay, m.TokensPerDay > 0
	case QuotaConcurrent:
		return m.MaxConcurrentRequests, m.MaxConcurrentRequests > 0
	default:
		return 0, false
	}
}

// ApplicableKinds returns the quota kinds configured on this model.
func (m ModelConfig) ApplicableKinds() []QuotaKind {
	var kinds []QuotaKind
	for _, k := range AllQuotaKinds() {
		if _, ok := m.Limit(k); ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// =============================================================================
// ResourceEstimation
// =============================================================================

// RatioBounds configures how a job type's ratio may drift, per spec §4.4.
type RatioBounds struct {
	InitialValue float64
	Min          float64
	Max          float64
	Fixed        bool
}

// ResourceEstimation is the per-job-type cost estimate used to translate
// raw quota numbers into slot counts, per spec §3 and §4.1.
type ResourceEstimation struct {
	JobType string

	EstimatedUsedTokens       int64 // cost_k for TPM/TPD
	EstimatedNumberOfRequests int64 // cost_k for RPM/RPD
	MemoryMB                  int64 // 0 = no memory accounting

	Ratio RatioBounds
}

// CostFor returns the per-job cost for a given quota kind: tokens for
// TPM/TPD, requests for RPM/RPD, 1 for CONCURRENT.
func (e ResourceEstimation) CostFor(kind QuotaKind) int64 {
	switch {
	case kind.IsTokenQuota():
		if e.EstimatedUsedTokens <= 0 {
			return 1
		}
		return e.EstimatedUsedTokens
	case kind == QuotaConcurrent:
		return 1
	default:
		if e.EstimatedNumberOfRequests <= 0 {
			return 1
		}
		return e.EstimatedNumberOfRequests
	}
}

// =============================================================================
// Allocation
// =============================================================================

// AllocationTable is the authoritative (instanceCount, version)-tagged
// mapping from (jobType, modelId) to slot count for one instance, per
// spec §3 and §6's allocation message schema.
type AllocationTable struct {
	Version                int64
	InstanceCount          int
	SlotsByJobTypeAndModel map[string]map[string]int // jobType -> modelId -> slots
}

// Slots returns the slot count for (jobType, modelId), or 0 if absent —
// zero slots is a legal, meaningful allocation per spec §4.1 step 6.
func (a *AllocationTable) Slots(jobType, modelID string) int {
	if a == nil {
		return 0
	}
	byModel, ok := a.SlotsByJobTypeAndModel[jobType]
	if !ok {
		return 0
	}
	return byModel[modelID]
}

// NewerThan reports whether a is strictly newer than other by version,
// per the monotonic-update rule in spec §3 and §4.2.
func (a *AllocationTable) NewerThan(other *AllocationTable) bool {
	if other == nil {
		return true
	}
	if a == nil {
		return false
	}
	return a.Version > other.Version
}

// =============================================================================
// InstanceRecord
// =============================================================================

// InstanceRecord is one fleet member as seen by the coordinator, per
// spec §3.
type InstanceRecord struct {
	InstanceID      string
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
	Ratios          map[string]float64 // jobType -> ratio
}

// Alive reports liveness given now and the configured heartbeat timeout.
func (r InstanceRecord) Alive(now time.Time, heartbeatTimeout time.Duration) bool {
	return now.Sub(r.LastHeartbeatAt) <= heartbeatTimeout
}

// =============================================================================
// ActiveJob
// =============================================================================

// JobStatus is the lifecycle state of an ActiveJob, per spec §3.
type JobStatus string

const (
	StatusWaitingForCapacity JobStatus = "waiting-for-capacity"
	StatusWaitingForModel    JobStatus = "waiting-for-model"
	StatusProcessing         JobStatus = "processing"
)

// ActiveJob tracks one in-flight job for the lifetime of queueJob(), per
// spec §3 and the Stats/Observer component (§4.7).
type ActiveJob struct {
	JobID   string
	JobType string

	Status JobStatus

	QueuedAt  time.Time
	StartedAt time.Time

	CurrentModelID string
	TriedModels    []string

	WaitStartedAt time.Time
	MaxWaitMs     int64
	TimeoutAt     time.Time
}

// Snapshot returns a value copy safe to hand to callers of getActiveJobs(),
// decoupling internal mutation from the observer surface.
func (j *ActiveJob) Snapshot() ActiveJob {
	cp := *j
	cp.TriedModels = append([]string(nil), j.TriedModels...)
	return cp
}
