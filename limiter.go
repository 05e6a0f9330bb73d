// Package llmlimiter is the public library surface (spec §6): a
// distributed, multi-model rate limiter that schedules jobs across a
// fallback chain of models, sharing each model's quota fairly across a
// fleet of instances.
package llmlimiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daveddh/llmlimiter/internal/allocation"
	"github.com/daveddh/llmlimiter/internal/backend"
	"github.com/daveddh/llmlimiter/internal/domain"
	"github.com/daveddh/llmlimiter/internal/ratio"
	"github.com/daveddh/llmlimiter/internal/resilience"
	"github.com/daveddh/llmlimiter/internal/scheduler"
	"github.com/daveddh/llmlimiter/internal/slotpool"
	"github.com/daveddh/llmlimiter/internal/stats"
	"github.com/daveddh/llmlimiter/internal/telemetry"
)

// Re-exported so callers never need to import the internal packages
// directly to use the public surface.
type (
	JobContext = scheduler.JobContext
	JobFunc    = scheduler.JobFunc
	JobOutput  = scheduler.JobOutput
	JobRequest = scheduler.Request
	JobResult  = scheduler.JobResult
	Resolver   = scheduler.Resolver
	Stats      = stats.Stats
)

// Config is the programmatic configuration accepted by New (spec §6). The
// config package's TOML loader produces the domain-shaped values this
// struct expects.
type Config struct {
	Models          map[string]domain.ModelConfig
	EscalationOrder []string
	Estimations     map[string]domain.ResourceEstimation // keyed by jobType
	RatioBounds     map[string]domain.RatioBounds         // keyed by jobType

	Backend       backend.Driver
	BackendConfig backend.Config

	RatioAdjustment ratio.Config
	MemoryTotalMB   int64

	// HeartbeatEjectThreshold is how many consecutive heartbeat failures
	// trigger self-ejection (spec §7, §12). 0 uses the breaker's default.
	HeartbeatEjectThreshold int

	OnLog                  func(level slog.Level, msg string, fields map[string]any)
	OnAvailableSlotsChange func(table domain.AllocationTable)

	Logger  *slog.Logger
	Metrics *telemetry.Metrics // nil disables metric recording
}

// Limiter is one instance's entry point: createLimiter(config) -> Limiter.
type Limiter struct {
	cfg        Config
	instanceID string
	driver     backend.Driver
	pool       *slotpool.Pool
	ratioCtl   *ratio.Controller
	sched      *scheduler.Scheduler
	observer   *stats.Observer
	breaker    *resilience.HeartbeatBreaker
	logger     *slog.Logger

	mu           sync.Mutex
	started      bool
	stopped      bool
	allocVersion int64 // newest allocation version applied so far

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and assembles a Limiter. It does not contact the
// coordinator; call Start for that.
func New(cfg Config) (*Limiter, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	instanceID := uuid.NewString()
	pool := slotpool.New()
	ratioCtl := ratio.New(cfg.RatioAdjustment, cfg.RatioBounds)

	jobTypes := make([]string, 0, len(cfg.Estimations))
	for jobType := range cfg.Estimations {
		jobTypes = append(jobTypes, jobType)
	}

	sched := scheduler.New(scheduler.Config{
		Models:          cfg.Models,
		Estimations:     cfg.Estimations,
		EscalationOrder: cfg.EscalationOrder,
	}, pool, cfg.Backend, nil, cfg.Logger)

	observer := stats.New(cfg.Backend, sched, pool, cfg.Models, jobTypes, instanceID, ratioCtl.Snapshot)

	return &Limiter{
		cfg:        cfg,
		instanceID: instanceID,
		driver:     cfg.Backend,
		pool:       pool,
		ratioCtl:   ratioCtl,
		sched:      sched,
		observer:   observer,
		breaker:    resilience.NewHeartbeatBreaker(cfg.HeartbeatEjectThreshold),
		logger:     cfg.Logger,
	}, nil
}

func validate(cfg Config) error {
	if cfg.Backend == nil {
		return &domain.ErrInvalidConfig{Reason: "no backend driver configured"}
	}
	for jobType, rb := range cfg.RatioBounds {
		if !rb.Fixed && rb.Min > rb.Max {
			return &domain.ErrInvalidConfig{Reason: fmt.Sprintf("job type %q has ratio min > max", jobType)}
		}
	}
	for modelID, m := range cfg.Models {
		if m.RequestsPerMinute < 0 || m.RequestsPerDay < 0 || m.TokensPerMinute < 0 ||
			m.TokensPerDay < 0 || m.MaxConcurrentRequests < 0 {
			return &domain.ErrInvalidConfig{Reason: fmt.Sprintf("model %q has a negative quota", modelID)}
		}
	}
	return nil
}

// Start registers the instance with the coordinator, computes the initial
// allocation, and spawns the heartbeat, cleanup and reallocation loops,
// plus the ratio adjustment loop when RatioAdjustment.Enabled is set
// (spec §6).
func (l *Limiter) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.mu.Unlock()

	table, err := l.driver.Register(ctx, l.instanceID, l.ratioCtl.Snapshot())
	if err != nil {
		return fmt.Errorf("llmlimiter: register: %w", err)
	}
	l.applyAllocation(*table)

	updates, unsubscribe := l.driver.Subscribe(runCtx)

	l.wg.Add(1)
	go l.reallocationLoop(runCtx, updates, unsubscribe)

	heartbeatTimeout := l.cfg.BackendConfig.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = backend.DefaultHeartbeatTimeout
	}
	l.wg.Add(1)
	go l.heartbeatLoop(runCtx, heartbeatTimeout/3)

	cleanupInterval := l.cfg.BackendConfig.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = backend.DefaultCleanupInterval
	}
	l.wg.Add(1)
	go l.cleanupLoop(runCtx, cleanupInterval)

	if l.cfg.RatioAdjustment.Enabled {
		l.wg.Add(1)
		go l.ratioLoop(runCtx)
	}

	l.log(slog.LevelInfo, "limiter started", map[string]any{"instance_id": l.instanceID})
	return nil
}

// Stop unregisters from the coordinator and cancels every pending wait
// (spec §6); in-flight jobs finish and RELEASE normally.
func (l *Limiter) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	cancel := l.cancel
	l.mu.Unlock()

	l.sched.Stop()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := l.driver.Unregister(ctx, l.instanceID); err != nil {
		l.log(slog.LevelWarn, "unregister failed", map[string]any{"error": err.Error()})
	}
	return l.driver.Close()
}

// QueueJob submits one job to the scheduler (spec §4.5). A request with an
// empty JobID is given a generated UUID.
func (l *Limiter) QueueJob(ctx context.Context, req JobRequest) (JobResult, error) {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return JobResult{}, domain.ErrStopped
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	start := time.Now()
	result, err := l.sched.QueueJob(ctx, req)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ObserveJob(jobOutcome(err), time.Since(start))
	}
	return result, err
}

func jobOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrNoModelsAvailable):
		return "no_models"
	case errors.Is(err, domain.ErrStopped):
		return "stopped"
	default:
		var exhausted *domain.ErrAllModelsExhausted
		if errors.As(err, &exhausted) {
			return "all_exhausted"
		}
		return "error"
	}
}

// GetStats returns the current Stats snapshot (spec §4.7).
func (l *Limiter) GetStats(ctx context.Context) Stats {
	return l.observer.Snapshot(ctx)
}

// GetActiveJobs returns every job currently mid-flight (spec §6).
func (l *Limiter) GetActiveJobs() []domain.ActiveJob {
	return l.sched.ActiveJobs()
}

// GetInstanceID returns this instance's coordinator-visible ID.
func (l *Limiter) GetInstanceID() string {
	return l.instanceID
}

func (l *Limiter) reallocationLoop(ctx context.Context, updates <-chan domain.AllocationTable, unsubscribe func()) {
	defer l.wg.Done()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case table, ok := <-updates:
			if !ok {
				return
			}
			l.applyAllocation(table)
		}
	}
}

// applyAllocation recomputes this instance's own slot counts from a newly
// published {version, instanceCount} and resizes the local slot pool
// accordingly — the coordinator never computes slots itself, since ratios
// are instance-local (spec §4.1, §4.2). A table whose version is not
// strictly newer than the last one applied is ignored.
func (l *Limiter) applyAllocation(table domain.AllocationTable) {
	l.mu.Lock()
	if table.Version <= l.allocVersion {
		l.mu.Unlock()
		return
	}
	l.allocVersion = table.Version
	l.mu.Unlock()

	result := allocation.Compute(allocation.Inputs{
		Models:        l.cfg.Models,
		Estimations:   l.cfg.Estimations,
		InstanceCount: table.InstanceCount,
		Ratios:        l.ratioCtl.Snapshot(),
		MemoryTotalMB: l.cfg.MemoryTotalMB,
	})
	computed := allocation.CapByMemory(result.Table, l.cfg.Estimations, l.cfg.MemoryTotalMB)
	computed.Version = table.Version

	for jobType, byModel := range computed.SlotsByJobTypeAndModel {
		for modelID, slots := range byModel {
			key := slotpool.Key{JobType: jobType, ModelID: modelID}
			l.pool.Resize(key, slots)
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.SlotsCapacity.WithLabelValues(jobType, modelID).Set(float64(slots))
				l.cfg.Metrics.SlotsInUse.WithLabelValues(jobType, modelID).Set(float64(l.pool.InUse(key)))
			}
		}
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.InstanceCount.Set(float64(computed.InstanceCount))
		for jobType, r := range l.ratioCtl.Snapshot() {
			l.cfg.Metrics.RatioCurrent.WithLabelValues(jobType).Set(r)
		}
	}

	if l.cfg.OnAvailableSlotsChange != nil {
		l.cfg.OnAvailableSlotsChange(computed)
	}
}

func (l *Limiter) heartbeatLoop(ctx context.Context, interval time.Duration) {
	defer l.wg.Done()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sendHeartbeat(ctx)
		}
	}
}

func (l *Limiter) sendHeartbeat(ctx context.Context) {
	retryCfg := resilience.RetryConfig{MaxRetries: 2, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second, Jitter: true, RetryOnTimeout: true, RetryOnServerError: true}
	err := resilience.Retry(ctx, retryCfg, func() error {
		return l.driver.Heartbeat(ctx, l.instanceID)
	})
	if err != nil {
		l.log(slog.LevelWarn, "heartbeat failed", map[string]any{"error": err.Error()})
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.HeartbeatFailures.Inc()
			l.cfg.Metrics.CoordinatorErrors.WithLabelValues("heartbeat").Inc()
		}
		if l.breaker.RecordFailure(time.Now()) {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.SelfEjections.Inc()
			}
			l.selfEject(ctx)
		}
		return
	}
	l.breaker.RecordSuccess()
}

// selfEject re-registers from scratch once repeated heartbeat failures
// trip the breaker, acting as if another instance had run CLEANUP on this
// one (spec §7, §12).
func (l *Limiter) selfEject(ctx context.Context) {
	l.log(slog.LevelError, "self-ejecting after repeated heartbeat failures", nil)
	table, err := l.driver.Register(ctx, l.instanceID, l.ratioCtl.Snapshot())
	if err != nil {
		l.log(slog.LevelError, "self-ejection re-register failed", map[string]any{"error": err.Error()})
		return
	}
	l.breaker.Reset()
	l.applyAllocation(*table)
}

func (l *Limiter) cleanupLoop(ctx context.Context, interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.driver.Cleanup(ctx); err != nil {
				l.log(slog.LevelWarn, "cleanup failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (l *Limiter) ratioLoop(ctx context.Context) {
	defer l.wg.Done()
	interval := time.Duration(l.cfg.RatioAdjustment.AdjustIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.ratioCtl.Observe(l.sched.QueueDepthByJobType()) {
				table, err := l.driver.UpdateRatios(ctx, l.instanceID, l.ratioCtl.Snapshot())
				if err != nil {
					l.log(slog.LevelWarn, "ratio update failed", map[string]any{"error": err.Error()})
					continue
				}
				l.applyAllocation(*table)
			}
		}
	}
}

func (l *Limiter) log(level slog.Level, msg string, fields map[string]any) {
	if l.cfg.OnLog != nil {
		l.cfg.OnLog(level, msg, fields)
		return
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	l.logger.Log(context.Background(), level, msg, args...)
}
