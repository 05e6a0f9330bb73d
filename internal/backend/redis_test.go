package backend

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/daveddh/llmlimiter/internal/domain"
)

// newTestRedisDriver dials a local Redis instance and skips the test if
// one isn't reachable, the same way an integration suite for a script-based
// driver has to: the scripts themselves are the thing under test, and a
// mocked client would only prove the mock was called correctly.
func newTestRedisDriver(t *testing.T) (*RedisDriver, func()) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("no local redis reachable at 127.0.0.1:6379, skipping integration test")
	}

	prefix := "llmlimiter-test"
	client.Eval(context.Background(), "local ks = redis.call('KEYS', ARGV[1]); for i=1,#ks do redis.call('DEL', ks[i]) end", nil, prefix+":*")

	models := map[string]domain.ModelConfig{
		"fast": {ModelID: "fast", RequestsPerMinute: 5, MaxConcurrentRequests: 2},
	}
	d := NewRedisDriver(client, Config{
		Models:           models,
		HeartbeatTimeout: time.Second,
		KeyPrefix:        prefix,
	})
	cleanup := func() {
		client.Eval(context.Background(), "local ks = redis.call('KEYS', ARGV[1]); for i=1,#ks do redis.call('DEL', ks[i]) end", nil, prefix+":*")
		client.Close()
	}
	return d, cleanup
}

func TestRedisDriver_RegisterAndUnregisterTrackInstanceCount(t *testing.T) {
	d, cleanup := newTestRedisDriver(t)
	defer cleanup()
	ctx := context.Background()

	table, err := d.Register(ctx, "inst-a", map[string]float64{"chat": 1})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if table.InstanceCount != 1 {
		t.Fatalf("expected instance count 1, got %d", table.InstanceCount)
	}

	table, err = d.Register(ctx, "inst-b", map[string]float64{"chat": 1})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if table.InstanceCount != 2 {
		t.Fatalf("expected instance count 2, got %d", table.InstanceCount)
	}

	if err := d.Unregister(ctx, "inst-a"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
}

func TestRedisDriver_AcquireRejectsOverLimitAndRollsBackAtomically(t *testing.T) {
	d, cleanup := newTestRedisDriver(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := d.Acquire(ctx, "fast", Cost{domain.QuotaRPM: 1}); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	_, err := d.Acquire(ctx, "fast", Cost{domain.QuotaRPM: 1})
	if err == nil {
		t.Fatal("expected 6th acquire to exceed the RPM limit")
	}
	var quotaErr *domain.ErrQuotaExceeded
	if !asQuotaExceeded(err, &quotaErr) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	snap, err := d.Snapshot(ctx, "fast")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Usage[domain.QuotaRPM] != 5 {
		t.Fatalf("expected rejected acquire to leave RPM usage at 5, got %d", snap.Usage[domain.QuotaRPM])
	}
}

func TestRedisDriver_ReleaseRefundsDecayedQuota(t *testing.T) {
	d, cleanup := newTestRedisDriver(t)
	defer cleanup()
	ctx := context.Background()

	ticket, err := d.Acquire(ctx, "fast", Cost{domain.QuotaRPM: 1})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := d.Release(ctx, "fast", ticket, Cost{domain.QuotaRPM: 0}, Cost{domain.QuotaRPM: 1}); err != nil {
		t.Fatalf("Release: %v", err)
	}

	snap, err := d.Snapshot(ctx, "fast")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Usage[domain.QuotaRPM] != 0 {
		t.Fatalf("expected refunded usage 0, got %d", snap.Usage[domain.QuotaRPM])
	}
}

func asQuotaExceeded(err error, target **domain.ErrQuotaExceeded) bool {
	if qe, ok := err.(*domain.ErrQuotaExceeded); ok {
		*target = qe
		return true
	}
	return false
}
