package stats

import (
	"context"
	"testing"

	"github.com/daveddh/llmlimiter/internal/backend"
	"github.com/daveddh/llmlimiter/internal/domain"
	"github.com/daveddh/llmlimiter/internal/slotpool"
)

type fakeScheduler struct {
	jobs  []domain.ActiveJob
	depth int
}

func (f fakeScheduler) ActiveJobs() []domain.ActiveJob { return f.jobs }
func (f fakeScheduler) QueueDepth() int                { return f.depth }

func TestObserver_Snapshot(t *testing.T) {
	models := map[string]domain.ModelConfig{
		"m": {ModelID: "m", RequestsPerMinute: 100, MaxConcurrentRequests: 5},
	}
	driver := backend.NewMemoryDriver(backend.Config{Models: models}, nil)
	ctx := context.Background()
	if _, err := driver.Acquire(ctx, "m", backend.Cost{domain.QuotaRPM: 10, domain.QuotaConcurrent: 1}); err != nil {
		t.Fatal(err)
	}

	pool := slotpool.New()
	key := slotpool.Key{JobType: "j", ModelID: "m"}
	pool.Resize(key, 3)
	pool.TryAcquire(key)

	sched := fakeScheduler{jobs: []domain.ActiveJob{{JobID: "job-1", JobType: "j"}}, depth: 2}
	obs := New(driver, sched, pool, models, []string{"j"}, "inst-1", func() map[string]float64 {
		return map[string]float64{"j": 1.0}
	})

	snap := obs.Snapshot(ctx)
	if snap.InstanceID != "inst-1" {
		t.Fatalf("expected instance id inst-1, got %s", snap.InstanceID)
	}
	if snap.QueueDepth != 2 {
		t.Fatalf("expected queue depth 2, got %d", snap.QueueDepth)
	}
	if len(snap.ActiveJobs) != 1 {
		t.Fatalf("expected 1 active job, got %d", len(snap.ActiveJobs))
	}

	ms := snap.Models["m"]
	if ms.Current[domain.QuotaRPM] != 10 {
		t.Fatalf("expected current RPM 10, got %d", ms.Current[domain.QuotaRPM])
	}
	if ms.Remaining[domain.QuotaRPM] != 90 {
		t.Fatalf("expected remaining RPM 90, got %d", ms.Remaining[domain.QuotaRPM])
	}
	if ms.Concurrency.Active != 1 || ms.Concurrency.Limit != 5 {
		t.Fatalf("expected concurrency 1/5, got %+v", ms.Concurrency)
	}

	slot := snap.SlotTable["j"]["m"]
	if slot.Capacity != 3 || slot.InUse != 1 {
		t.Fatalf("expected slot capacity 3 inUse 1, got %+v", slot)
	}
	if snap.Ratios["j"] != 1.0 {
		t.Fatalf("expected ratio 1.0 for j, got %v", snap.Ratios["j"])
	}
}

func TestObserver_UnreachableModelDoesNotFailSnapshot(t *testing.T) {
	models := map[string]domain.ModelConfig{"m": {ModelID: "m"}}
	driver := backend.NewMemoryDriver(backend.Config{Models: map[string]domain.ModelConfig{}}, nil)
	pool := slotpool.New()
	sched := fakeScheduler{}
	obs := New(driver, sched, pool, models, nil, "inst-1", nil)

	snap := obs.Snapshot(context.Background())
	if _, ok := snap.Models["m"]; !ok {
		t.Fatal("expected a placeholder entry for an unreachable model")
	}
}
