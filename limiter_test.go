package llmlimiter

import (
	"context"
	"testing"
	"time"

	"github.com/daveddh/llmlimiter/internal/backend"
	"github.com/daveddh/llmlimiter/internal/domain"
	"github.com/daveddh/llmlimiter/internal/ratio"
)

func testModels() map[string]domain.ModelConfig {
	return map[string]domain.ModelConfig{
		"fast": {
			ModelID:               "fast",
			RequestsPerMinute:     1000,
			MaxConcurrentRequests: 10,
			Pricing:               domain.Pricing{Input: 0.000001, Output: 0.000002},
		},
	}
}

func testEstimations() map[string]domain.ResourceEstimation {
	return map[string]domain.ResourceEstimation{
		"chat": {
			JobType:                   "chat",
			EstimatedNumberOfRequests: 1,
			Ratio:                     domain.RatioBounds{InitialValue: 1, Min: 0.1, Max: 1, Fixed: true},
		},
	}
}

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	driver := backend.NewMemoryDriver(backend.Config{
		Models:      testModels(),
		Estimations: testEstimations(),
	}, nil)

	cfg := Config{
		Models:          testModels(),
		EscalationOrder: []string{"fast"},
		Estimations:     testEstimations(),
		RatioBounds:     map[string]domain.RatioBounds{"chat": {InitialValue: 1, Min: 0.1, Max: 1, Fixed: true}},
		Backend:         driver,
		RatioAdjustment: ratio.Config{},
		HeartbeatEjectThreshold: 3,
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestNew_RejectsNilBackend(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for missing backend")
	}
}

func TestLimiter_StartStopLifecycle(t *testing.T) {
	l := newTestLimiter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if l.GetInstanceID() == "" {
		t.Fatal("expected a non-empty instance id")
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestLimiter_QueueJobAfterStop(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	_, err := l.QueueJob(ctx, JobRequest{
		JobID:   "j1",
		JobType: "chat",
		Job: func(ctx context.Context, jc JobContext, resolve Resolver) (JobOutput, error) {
			return JobOutput{}, nil
		},
	})
	if err != domain.ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestLimiter_QueueJobRunsToCompletion(t *testing.T) {
	l := newTestLimiter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	result, err := l.QueueJob(ctx, JobRequest{
		JobID:   "j1",
		JobType: "chat",
		Job: func(ctx context.Context, jc JobContext, resolve Resolver) (JobOutput, error) {
			if jc.ModelID != "fast" {
				t.Fatalf("expected model fast, got %s", jc.ModelID)
			}
			return JobOutput{RequestCount: 1, Usage: domain.Usage{Output: 10}}, nil
		},
	})
	if err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	if result.ModelID != "fast" {
		t.Fatalf("expected fast, got %s", result.ModelID)
	}
}

func TestLimiter_GetStatsReflectsModel(t *testing.T) {
	l := newTestLimiter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	snap := l.GetStats(ctx)
	if _, ok := snap.Models["fast"]; !ok {
		t.Fatal("expected stats to include the fast model")
	}
}
