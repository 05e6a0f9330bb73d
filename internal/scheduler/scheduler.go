// Package scheduler implements the Scheduler / Job Runner (spec §4.5):
// queueJob's escalation walk across fallback models, bounded by the Local
// Slot Pool and the Backend Driver's coordinator quota, with the Usage
// Reconciler wired in on every completion path.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/daveddh/llmlimiter/internal/backend"
	"github.com/daveddh/llmlimiter/internal/domain"
	"github.com/daveddh/llmlimiter/internal/reconcile"
	"github.com/daveddh/llmlimiter/internal/slotpool"
)

// DefaultMaxWaitMs is used when neither the request nor the config names a
// per-model wait budget.
const DefaultMaxWaitMs = int64(5000)

// JobContext is what a job callback receives about where it landed.
type JobContext struct {
	ModelID string
}

// Resolver lets a job callback unblock reconciliation before it finishes
// its own trailing work, per spec §4.5 and §9.
type Resolver func(usage domain.Usage, requestCount int64)

// JobFunc is the user's unit of work. It must return synchronously; for
// early reconciliation it calls resolve before returning.
type JobFunc func(ctx context.Context, jc JobContext, resolve Resolver) (JobOutput, error)

// JobOutput is what a job callback reports about what it actually did.
type JobOutput struct {
	RequestCount int64
	Usage        domain.Usage
	Data         any
}

// Request is one queueJob call.
type Request struct {
	JobID      string
	JobType    string
	Models     []string // overrides the configured escalation order when non-empty
	MaxWaitMs  int64    // overrides the configured per-model wait when > 0
	Job        JobFunc
	OnComplete func(data any, result JobResult)
}

// JobResult is returned by queueJob on success.
type JobResult struct {
	JobID       string
	ModelID     string
	Data        any
	TotalCost   float64
	TriedModels []string
}

// Config is the scheduler's static configuration, assembled from the
// top-level limiter config (spec §6).
type Config struct {
	Models          map[string]domain.ModelConfig
	Estimations     map[string]domain.ResourceEstimation // keyed by jobType
	EscalationOrder []string
	PerModelWaitMs  map[string]int64
}

// Scheduler owns the active jobs table and drives each queueJob call
// through the escalation list described in spec §4.5.
type Scheduler struct {
	cfg    Config
	pool   *slotpool.Pool
	driver backend.Driver
	clock  domain.Clock
	logger *slog.Logger

	mu      sync.Mutex
	active  map[string]*domain.ActiveJob
	stopped bool
}

// New creates a Scheduler. clock and logger may be nil to use defaults.
func New(cfg Config, pool *slotpool.Pool, driver backend.Driver, clock domain.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = domain.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		pool:   pool,
		driver: driver,
		clock:  clock,
		logger: logger,
		active: make(map[string]*domain.ActiveJob),
	}
}

// Stop cancels every pending slot wait (spec §4.5's cancellation rule);
// in-flight user callbacks run to completion and still RELEASE normally.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.pool.Stop()
}

// QueueJob performs the full escalation walk described in spec §4.5.
func (s *Scheduler) QueueJob(ctx context.Context, req Request) (JobResult, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return JobResult{}, domain.ErrStopped
	}
	s.mu.Unlock()

	models := req.Models
	if len(models) == 0 {
		models = s.cfg.EscalationOrder
	}
	if len(models) == 0 {
		return JobResult{}, domain.ErrNoModelsAvailable
	}

	job := &domain.ActiveJob{
		JobID:   req.JobID,
		JobType: req.JobType,
		Status:  domain.StatusWaitingForCapacity,
		QueuedAt: s.clock.Now(),
	}
	s.register(job)
	defer s.unregister(req.JobID)

	estimation := s.cfg.Estimations[req.JobType]
	var attempts []domain.ModelAttempt

	for _, modelID := range models {
		if slices.Contains(job.TriedModels, modelID) {
			// A caller-supplied escalation list that repeats a model is
			// only tried once; retrying it here would just re-timeout or
			// re-exhaust against the same quota it already failed.
			continue
		}

		model, ok := s.cfg.Models[modelID]
		if !ok {
			attempts = append(attempts, domain.ModelAttempt{ModelID: modelID, Reason: "unknown_model"})
			s.markTried(job, modelID)
			continue
		}

		maxWait := s.perModelWait(modelID, req.MaxWaitMs)
		waitStart := s.clock.Now()
		s.updateWaitState(job, modelID, waitStart, maxWait)

		key := slotpool.Key{JobType: req.JobType, ModelID: modelID}
		outcome := s.pool.Acquire(key, maxWait)
		if outcome != slotpool.Acquired {
			waited := s.clock.Now().Sub(waitStart).Milliseconds()
			reason := "timeout"
			if outcome == slotpool.Canceled {
				reason = "canceled"
			}
			attempts = append(attempts, domain.ModelAttempt{ModelID: modelID, Reason: reason, WaitedMs: waited})
			s.markTried(job, modelID)
			if outcome == slotpool.Canceled {
				return JobResult{}, domain.ErrStopped
			}
			continue
		}

		kinds := model.ApplicableKinds()
		estCost := make(backend.Cost, len(kinds))
		for _, kind := range kinds {
			estCost[kind] = estimation.CostFor(kind)
		}

		ticket, err := s.driver.Acquire(ctx, modelID, estCost)
		if err != nil {
			s.pool.Release(key)
			attempts = append(attempts, domain.ModelAttempt{ModelID: modelID, Reason: attemptReason(err)})
			s.markTried(job, modelID)
			continue
		}

		s.mu.Lock()
		job.Status = domain.StatusProcessing
		job.StartedAt = s.clock.Now()
		s.mu.Unlock()

		result, jerr := s.runJob(ctx, req, job, model, modelID, key, ticket, kinds, estCost)
		if jerr != nil {
			return JobResult{}, jerr
		}
		return result, nil
	}

	return JobResult{}, &domain.ErrAllModelsExhausted{TriedModels: job.TriedModels, Attempts: attempts}
}

// runJob invokes the user callback and guarantees reconciliation runs
// exactly once, whether triggered by an early resolve() or by the
// callback's own return (spec §4.5, §9).
func (s *Scheduler) runJob(
	ctx context.Context,
	req Request,
	job *domain.ActiveJob,
	model domain.ModelConfig,
	modelID string,
	key slotpool.Key,
	ticket string,
	kinds []domain.QuotaKind,
	estCost backend.Cost,
) (JobResult, error) {
	var once sync.Once
	release := func(usage domain.Usage, requestCount int64) {
		once.Do(func() {
			actualCost := reconcile.ActualCost(kinds, requestCount, usage)
			refund := reconcile.Refund(estCost, actualCost)
			overage := reconcile.Overage(estCost, actualCost)
			for kind, amount := range overage {
				if amount > 0 {
					// Spec's honest-accounting rule: overage is applied even
					// if it pushes the quota above its nominal limit, so
					// it's worth a visible trail rather than a silent bump.
					s.logger.Warn("job exceeded its cost estimate", "model", modelID, "job", job.JobID, "kind", kind, "overage", amount)
				}
			}
			for kind, amount := range refund {
				if amount > 0 {
					s.logger.Debug("job refunded unused cost estimate", "model", modelID, "job", job.JobID, "kind", kind, "refund", amount)
				}
			}
			if err := s.driver.Release(ctx, modelID, ticket, actualCost, estCost); err != nil {
				s.logger.Error("release failed", "model", modelID, "job", job.JobID, "error", err)
			}
			s.pool.Release(key)
		})
	}

	output, err := req.Job(ctx, JobContext{ModelID: modelID}, Resolver(release))
	if err != nil {
		// User-code failure: full refund, surfaced directly (spec §7) —
		// the job already ran, so escalating to another model would
		// duplicate side effects.
		release(domain.Usage{}, 0)
		return JobResult{}, err
	}
	release(output.Usage, output.RequestCount)

	result := JobResult{
		JobID:       req.JobID,
		ModelID:     modelID,
		Data:        output.Data,
		TotalCost:   reconcile.TotalPrice(model.Pricing, output.Usage),
		TriedModels: append(append([]string(nil), job.TriedModels...), modelID),
	}
	if req.OnComplete != nil {
		req.OnComplete(output.Data, result)
	}
	return result, nil
}

func attemptReason(err error) string {
	var quotaErr *domain.ErrQuotaExceeded
	if errors.As(err, &quotaErr) {
		return fmt.Sprintf("quota_exhausted:%s", quotaErr.Kind)
	}
	var coordErr *domain.ErrCoordinatorUnavailable
	if errors.As(err, &coordErr) {
		return "coordinator_unavailable"
	}
	return "coordinator_rejected"
}

func (s *Scheduler) perModelWait(modelID string, override int64) time.Duration {
	if override > 0 {
		return time.Duration(override) * time.Millisecond
	}
	if ms, ok := s.cfg.PerModelWaitMs[modelID]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(DefaultMaxWaitMs) * time.Millisecond
}

func (s *Scheduler) register(job *domain.ActiveJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[job.JobID] = job
}

func (s *Scheduler) unregister(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
}

func (s *Scheduler) updateWaitState(job *domain.ActiveJob, modelID string, waitStart time.Time, maxWait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Status = domain.StatusWaitingForModel
	job.CurrentModelID = modelID
	job.WaitStartedAt = waitStart
	job.MaxWaitMs = maxWait.Milliseconds()
	job.TimeoutAt = waitStart.Add(maxWait)
}

func (s *Scheduler) markTried(job *domain.ActiveJob, modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.TriedModels = append(job.TriedModels, modelID)
}

// ActiveJobs returns a snapshot of every job currently mid-flight, for the
// Stats/Observer component (spec §4.7).
func (s *Scheduler) ActiveJobs() []domain.ActiveJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ActiveJob, 0, len(s.active))
	for _, job := range s.active {
		out = append(out, job.Snapshot())
	}
	return out
}

// QueueDepth returns how many active jobs have not yet started processing
// (spec §4.7).
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := 0
	for _, job := range s.active {
		if job.Status != domain.StatusProcessing {
			depth++
		}
	}
	return depth
}

// QueueDepthByJobType reports the same count broken down by job type, the
// signal the Ratio Controller observes (spec §4.4).
func (s *Scheduler) QueueDepthByJobType() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, job := range s.active {
		if job.Status != domain.StatusProcessing {
			out[job.JobType]++
		}
	}
	return out
}
