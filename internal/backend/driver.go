// Package backend implements the Backend Driver (spec §4.2): the six
// atomic operations every instance uses to register, heartbeat, acquire
// and release global quota, and receive allocation updates from whatever
// external coordinator the fleet shares. Two implementations are provided:
// MemoryDriver (an in-process stand-in, grounded on the teacher's
// internal/storage/memory.go map-store pattern, suitable for a
// single-instance deployment or tests) and RedisDriver (the real
// coordinator, grounded on the Lua-script DECR/INCR quota pattern found in
// the retrieval pack's redis_sync_service.go, using
// github.com/redis/go-redis/v9).
package backend

import (
	"context"
	"time"

	"github.com/daveddh/llmlimiter/internal/domain"
)

// Cost bundles the per-quota-kind cost of one job, i.e. what ACQUIRE
// increments and RELEASE reconciles.
type Cost map[domain.QuotaKind]int64

// Driver is the coordinator-facing interface implemented by MemoryDriver
// and RedisDriver. Every method corresponds to one of the six atomic
// scripts in spec §4.2.
type Driver interface {
	// Register adds the instance, bumps the allocation version and
	// publishes {version, instanceCount}. The returned table carries only
	// Version and InstanceCount; slot counts are computed by each
	// subscriber from its own ratios.
	Register(ctx context.Context, instanceID string, ratios map[string]float64) (*domain.AllocationTable, error)

	// Unregister removes the instance, bumps the version and publishes the
	// new instance count. Idempotent.
	Unregister(ctx context.Context, instanceID string) error

	// Heartbeat refreshes the instance's TTL. Returns domain.ErrStopped
	// (wrapped) if the instance is not currently registered, per spec
	// §4.2 — the caller must re-register.
	Heartbeat(ctx context.Context, instanceID string) error

	// Cleanup scans for instances whose TTL has expired, removes them, and
	// bumps the version and publishes the new instance count if anything
	// changed.
	Cleanup(ctx context.Context) error

	// UpdateRatios publishes a new ratio map for instanceID, REGISTER-style
	// (spec §4.4), triggering recomputation.
	UpdateRatios(ctx context.Context, instanceID string, ratios map[string]float64) (*domain.AllocationTable, error)

	// Acquire increments usage for every quota kind configured on modelID
	// by the corresponding cost. Succeeds iff every post-increment value
	// stays within its limit; otherwise every partial increment is rolled
	// back atomically and *domain.ErrQuotaExceeded names the offending
	// kind. Coordinator transport failures are wrapped in
	// *domain.ErrCoordinatorUnavailable.
	// On success, Acquire also returns a ticket identifying exactly the
	// window entries it created; Release must be given that ticket so the
	// refund/overage it applies targets this job's own committed cost
	// rather than an arbitrary slice of the window (the spec's pseudocode
	// RELEASE(modelId, actualCost, estimatedCost) elides this plumbing
	// detail, but an untagged decrement cannot be made atomic-per-job
	// under concurrent acquires).
	Acquire(ctx context.Context, modelID string, cost Cost) (ticket string, err error)

	// Release decrements usage by (estimated - actual) per kind, i.e. the
	// refund computed by the Usage Reconciler; decayed quotas are never
	// decremented below zero and never below what is still inside the
	// live window.
	Release(ctx context.Context, modelID string, ticket string, actual, estimated Cost) error

	// Snapshot returns current usage and the time until the oldest
	// in-window entry expires, per spec §4.7.
	Snapshot(ctx context.Context, modelID string) (ModelSnapshot, error)

	// Subscribe delivers allocation updates as they are published. Delivery
	// is not filtered by version; the Limiter discards any update whose
	// version is not strictly newer than the one it last applied. The
	// returned func unsubscribes.
	Subscribe(ctx context.Context) (<-chan domain.AllocationTable, func())

	// Close releases any resources (connections, goroutines) held by the
	// driver. Safe to call multiple times.
	Close() error
}

// ModelSnapshot is one model's current usage, used by Stats/Observer
// (spec §4.7).
type ModelSnapshot struct {
	ModelID string
	Usage   map[domain.QuotaKind]int64
	Limit   map[domain.QuotaKind]int64
	ResetsInMs map[domain.QuotaKind]int64
	ConcurrentActive int
	ConcurrentLimit  int
}

// Config is the static, immutable-after-start configuration the driver
// needs to recompute allocation: models, per-job-type estimations, the
// heartbeat timeout, the cleanup interval, and an optional global memory
// budget (spec §4.1, §6's `memory` option).
type Config struct {
	Models           map[string]domain.ModelConfig
	Estimations      map[string]domain.ResourceEstimation
	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration
	MemoryTotalMB    int64
	KeyPrefix        string
}

// DefaultHeartbeatTimeout is the spec §3 default.
const DefaultHeartbeatTimeout = 30 * time.Second

// DefaultCleanupInterval is the spec §4.2 default.
const DefaultCleanupInterval = 10 * time.Second
