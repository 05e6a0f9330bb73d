// Package stats implements the Stats/Observer component (spec §4.7):
// aggregating per-model quota usage, the scheduler's active jobs and
// queue depth, and the current per-instance slot table into one
// read-only snapshot.
package stats

import (
	"context"

	"github.com/daveddh/llmlimiter/internal/backend"
	"github.com/daveddh/llmlimiter/internal/domain"
	"github.com/daveddh/llmlimiter/internal/slotpool"
)

// ModelStats is one model's current and remaining usage per quota kind,
// plus concurrency, per spec §4.7.
type ModelStats struct {
	ModelID     string
	Current     map[domain.QuotaKind]int64
	Remaining   map[domain.QuotaKind]int64
	Limit       map[domain.QuotaKind]int64
	ResetsInMs  map[domain.QuotaKind]int64
	Concurrency ConcurrencyStats
}

// ConcurrencyStats is the active/limit pair for CONCURRENT quota.
type ConcurrencyStats struct {
	Active int
	Limit  int
}

// Stats is the full snapshot returned by Limiter.getStats() (spec §6).
type Stats struct {
	Models      map[string]ModelStats
	ActiveJobs  []domain.ActiveJob
	QueueDepth  int
	SlotTable   map[string]map[string]SlotStat // jobType -> modelId -> SlotStat
	Ratios      map[string]float64
	InstanceID  string
}

// SlotStat is one (jobType, modelId) pair's local slot pool state.
type SlotStat struct {
	Capacity   int
	InUse      int
	QueueDepth int
}

// ActiveJobsSource is whatever tracks in-flight jobs — implemented by
// *scheduler.Scheduler. Defined narrowly here so this package does not
// import scheduler (which already imports backend and slotpool).
type ActiveJobsSource interface {
	ActiveJobs() []domain.ActiveJob
	QueueDepth() int
}

// Observer computes Stats snapshots on demand.
type Observer struct {
	driver     backend.Driver
	scheduler  ActiveJobsSource
	pool       *slotpool.Pool
	models     map[string]domain.ModelConfig
	jobTypes   []string // configured job types, fixed at construction, for SlotTable enumeration
	instanceID string
	ratios     func() map[string]float64
}

// New creates an Observer. ratiosFn may be nil if the instance runs with
// no ratio controller (single job type, fixed share).
func New(driver backend.Driver, sched ActiveJobsSource, pool *slotpool.Pool, models map[string]domain.ModelConfig, jobTypes []string, instanceID string, ratiosFn func() map[string]float64) *Observer {
	return &Observer{
		driver:     driver,
		scheduler:  sched,
		pool:       pool,
		models:     models,
		jobTypes:   jobTypes,
		instanceID: instanceID,
		ratios:     ratiosFn,
	}
}

// Snapshot assembles the full Stats view (spec §4.7). Errors from
// individual model snapshots are not fatal — a model the coordinator
// cannot currently reach is simply reported with no usage figures.
func (o *Observer) Snapshot(ctx context.Context) Stats {
	s := Stats{
		Models:     make(map[string]ModelStats, len(o.models)),
		ActiveJobs: o.scheduler.ActiveJobs(),
		QueueDepth: o.scheduler.QueueDepth(),
		SlotTable:  make(map[string]map[string]SlotStat, len(o.jobTypes)),
		InstanceID: o.instanceID,
	}
	if o.ratios != nil {
		s.Ratios = o.ratios()
	}

	for modelID := range o.models {
		snap, err := o.driver.Snapshot(ctx, modelID)
		if err != nil {
			s.Models[modelID] = ModelStats{ModelID: modelID}
			continue
		}
		ms := ModelStats{
			ModelID:    modelID,
			Current:    snap.Usage,
			Limit:      snap.Limit,
			ResetsInMs: snap.ResetsInMs,
			Remaining:  make(map[domain.QuotaKind]int64, len(snap.Limit)),
			Concurrency: ConcurrencyStats{
				Active: snap.ConcurrentActive,
				Limit:  snap.ConcurrentLimit,
			},
		}
		for kind, limit := range snap.Limit {
			remaining := limit - snap.Usage[kind]
			if remaining < 0 {
				remaining = 0
			}
			ms.Remaining[kind] = remaining
		}
		s.Models[modelID] = ms
	}

	for _, jobType := range o.jobTypes {
		byModel := make(map[string]SlotStat, len(o.models))
		for modelID := range o.models {
			key := slotpool.Key{JobType: jobType, ModelID: modelID}
			byModel[modelID] = SlotStat{
				Capacity:   o.pool.Capacity(key),
				InUse:      o.pool.InUse(key),
				QueueDepth: o.pool.QueueDepth(key),
			}
		}
		s.SlotTable[jobType] = byModel
	}

	return s
}
