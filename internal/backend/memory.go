package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daveddh/llmlimiter/internal/domain"
)

// windowEntry is one committed cost against a decayed (RPM/RPD/TPM/TPD)
// quota. Entries are evicted once older than the quota's window, mirroring
// a Redis sorted set keyed by timestamp (spec §4.2). id is the owning
// ticket, not a slice position: eviction removes expired entries from the
// front of the slice and re-indexes everything after them, so Release must
// find its entry by identity rather than by a remembered offset (the same
// guarantee RedisDriver gets for free by keying its sorted-set members on
// the ticket UUID, see redis.go).
type windowEntry struct {
	id     string
	ts     time.Time
	amount int64
}

// ticketEntries is what an Acquire ticket resolves to: the decayed-window
// kinds it holds an entry in, searched by ticket id at Release time, plus
// the concurrent count it holds.
type ticketEntries struct {
	modelID        string
	kinds          []domain.QuotaKind
	concurrentHeld bool
}

// MemoryDriver is an in-process Backend Driver, grounded on the teacher's
// internal/storage/memory.go map-store-with-mutex pattern. It plays the
// role of the external coordinator directly in this process: every
// instance in a fleet test attaches by passing its own instanceID into the
// same MemoryDriver value. Suitable for single-instance deployments and
// for deterministic tests of multi-instance fairness/reallocation.
type MemoryDriver struct {
	cfg   Config
	clock domain.Clock

	mu        sync.Mutex
	instances map[string]*domain.InstanceRecord
	version   int64

	usage      map[string]map[domain.QuotaKind][]windowEntry
	concurrent map[string]int

	tickets map[string]ticketEntries

	subsMu sync.Mutex
	subs   map[int]chan domain.AllocationTable
	nextID int

	closed bool
}

// NewMemoryDriver creates a MemoryDriver. clock may be nil to use
// domain.RealClock{}.
func NewMemoryDriver(cfg Config, clock domain.Clock) *MemoryDriver {
	if clock == nil {
		clock = domain.RealClock{}
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &MemoryDriver{
		cfg:        cfg,
		clock:      clock,
		instances:  make(map[string]*domain.InstanceRecord),
		usage:      make(map[string]map[domain.QuotaKind][]windowEntry),
		concurrent: make(map[string]int),
		tickets:    make(map[string]ticketEntries),
		subs:       make(map[int]chan domain.AllocationTable),
	}
}

func (d *MemoryDriver) Register(ctx context.Context, instanceID string, ratios map[string]float64) (*domain.AllocationTable, error) {
	d.mu.Lock()
	now := d.clock.Now()
	d.instances[instanceID] = &domain.InstanceRecord{
		InstanceID:      instanceID,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Ratios:          cloneRatios(ratios),
	}
	table := d.recomputeLocked()
	d.mu.Unlock()

	d.publish(table)
	return &table, nil
}

func (d *MemoryDriver) Unregister(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	if _, ok := d.instances[instanceID]; !ok {
		d.mu.Unlock()
		return nil // idempotent per spec §4.2
	}
	delete(d.instances, instanceID)
	table := d.recomputeLocked()
	d.mu.Unlock()

	d.publish(table)
	return nil
}

func (d *MemoryDriver) Heartbeat(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.instances[instanceID]
	if !ok {
		return fmt.Errorf("llmlimiter: heartbeat from unregistered instance %q: %w", instanceID, domain.ErrStopped)
	}
	rec.LastHeartbeatAt = d.clock.Now()
	return nil
}

func (d *MemoryDriver) Cleanup(ctx context.Context) error {
	d.mu.Lock()
	now := d.clock.Now()
	var removed bool
	for id, rec := range d.instances {
		if !rec.Alive(now, d.cfg.HeartbeatTimeout) {
			delete(d.instances, id)
			removed = true
		}
	}
	if !removed {
		d.mu.Unlock()
		return nil
	}
	table := d.recomputeLocked()
	d.mu.Unlock()

	d.publish(table)
	return nil
}

func (d *MemoryDriver) UpdateRatios(ctx context.Context, instanceID string, ratios map[string]float64) (*domain.AllocationTable, error) {
	d.mu.Lock()
	rec, ok := d.instances[instanceID]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("llmlimiter: update ratios for unregistered instance %q: %w", instanceID, domain.ErrStopped)
	}
	rec.Ratios = cloneRatios(ratios)
	table := d.recomputeLocked()
	d.mu.Unlock()

	d.publish(table)
	return &table, nil
}

// recomputeLocked bumps the version and returns the table carrying the new
// instance count; the caller publishes it.
// The driver does not run the Allocation Calculator itself: ratios are
// per-instance and instance-local (spec §4.1), so each subscriber reruns
// allocation.Compute with its own ratios against the published
// InstanceCount rather than the coordinator computing one shared answer.
// Caller must hold d.mu.
func (d *MemoryDriver) recomputeLocked() domain.AllocationTable {
	d.version++
	return domain.AllocationTable{
		Version:       d.version,
		InstanceCount: len(d.instances),
	}
}

func (d *MemoryDriver) publish(table domain.AllocationTable) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- table:
		default:
			// Slow subscriber: drop, it will catch up on the next publish
			// since updates carry a monotonic version (spec §4.2).
		}
	}
}

func (d *MemoryDriver) Subscribe(ctx context.Context) (<-chan domain.AllocationTable, func()) {
	d.subsMu.Lock()
	id := d.nextID
	d.nextID++
	ch := make(chan domain.AllocationTable, 8)
	d.subs[id] = ch
	d.subsMu.Unlock()

	unsub := func() {
		d.subsMu.Lock()
		delete(d.subs, id)
		d.subsMu.Unlock()
	}
	return ch, unsub
}

func (d *MemoryDriver) Acquire(ctx context.Context, modelID string, cost Cost) (string, error) {
	model, ok := d.cfg.Models[modelID]
	if !ok {
		return "", fmt.Errorf("llmlimiter: acquire on unknown model %q", modelID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	kinds := model.ApplicableKinds()

	// Evict expired entries and compute the projected post-acquire usage
	// for every applicable kind before mutating anything, so a rejection
	// never leaves partial state (spec §4.2's rollback requirement).
	projected := make(map[domain.QuotaKind]int64, len(kinds))
	for _, kind := range kinds {
		limit, _ := model.Limit(kind)
		if kind == domain.QuotaConcurrent {
			projected[kind] = int64(d.concurrent[modelID]) + cost[kind]
			if projected[kind] > int64(limit) {
				return "", &domain.ErrQuotaExceeded{ModelID: modelID, Kind: kind}
			}
			continue
		}
		window, _ := kind.Window()
		entries := evict(d.usageSlice(modelID, kind), now, window)
		d.setUsageSlice(modelID, kind, entries)
		current := sumEntries(entries)
		projected[kind] = current + cost[kind]
		if projected[kind] > int64(limit) {
			return "", &domain.ErrQuotaExceeded{ModelID: modelID, Kind: kind}
		}
	}

	// All kinds fit: commit.
	ticket := uuid.NewString()
	tk := ticketEntries{modelID: modelID}
	for _, kind := range kinds {
		if kind == domain.QuotaConcurrent {
			d.concurrent[modelID]++
			tk.concurrentHeld = true
			continue
		}
		entries := d.usageSlice(modelID, kind)
		entries = append(entries, windowEntry{id: ticket, ts: now, amount: cost[kind]})
		d.setUsageSlice(modelID, kind, entries)
		tk.kinds = append(tk.kinds, kind)
	}

	d.tickets[ticket] = tk
	return ticket, nil
}

func (d *MemoryDriver) Release(ctx context.Context, modelID string, ticket string, actual, estimated Cost) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tk, ok := d.tickets[ticket]
	if !ok {
		return fmt.Errorf("llmlimiter: release of unknown ticket %q", ticket)
	}
	delete(d.tickets, ticket)

	if tk.concurrentHeld {
		if d.concurrent[modelID] > 0 {
			d.concurrent[modelID]--
		}
	}
	for _, kind := range tk.kinds {
		entries := d.usageSlice(modelID, kind)
		idx := -1
		for i := range entries {
			if entries[i].id == ticket {
				idx = i
				break
			}
		}
		if idx < 0 {
			// Entry already evicted (window elapsed before release): the
			// committed cost has aged out on its own, nothing to adjust.
			continue
		}
		// Replace the job's own committed entry with its actual cost
		// (refund shrinks it, overage grows it) — never negative.
		newAmount := actual[kind]
		if newAmount < 0 {
			newAmount = 0
		}
		entries[idx].amount = newAmount
		d.setUsageSlice(modelID, kind, entries)
	}
	return nil
}

func (d *MemoryDriver) Snapshot(ctx context.Context, modelID string) (ModelSnapshot, error) {
	model, ok := d.cfg.Models[modelID]
	if !ok {
		return ModelSnapshot{}, fmt.Errorf("llmlimiter: snapshot of unknown model %q", modelID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	snap := ModelSnapshot{
		ModelID:    modelID,
		Usage:      make(map[domain.QuotaKind]int64),
		Limit:      make(map[domain.QuotaKind]int64),
		ResetsInMs: make(map[domain.QuotaKind]int64),
	}

	for _, kind := range model.ApplicableKinds() {
		limit, _ := model.Limit(kind)
		snap.Limit[kind] = int64(limit)
		if kind == domain.QuotaConcurrent {
			snap.ConcurrentActive = d.concurrent[modelID]
			snap.ConcurrentLimit = limit
			continue
		}
		window, _ := kind.Window()
		entries := evict(d.usageSlice(modelID, kind), now, window)
		d.setUsageSlice(modelID, kind, entries)
		snap.Usage[kind] = sumEntries(entries)
		if len(entries) > 0 {
			oldest := entries[0].ts
			resets := window - now.Sub(oldest)
			if resets < 0 {
				resets = 0
			}
			snap.ResetsInMs[kind] = resets.Milliseconds()
		}
	}
	return snap, nil
}

func (d *MemoryDriver) Close() error {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for id, ch := range d.subs {
		close(ch)
		delete(d.subs, id)
	}
	return nil
}

func (d *MemoryDriver) usageSlice(modelID string, kind domain.QuotaKind) []windowEntry {
	byKind, ok := d.usage[modelID]
	if !ok {
		return nil
	}
	return byKind[kind]
}

func (d *MemoryDriver) setUsageSlice(modelID string, kind domain.QuotaKind, entries []windowEntry) {
	byKind, ok := d.usage[modelID]
	if !ok {
		byKind = make(map[domain.QuotaKind][]windowEntry)
		d.usage[modelID] = byKind
	}
	byKind[kind] = entries
}

func evict(entries []windowEntry, now time.Time, window time.Duration) []windowEntry {
	cut := 0
	for cut < len(entries) && now.Sub(entries[cut].ts) > window {
		cut++
	}
	if cut == 0 {
		return entries
	}
	return append([]windowEntry(nil), entries[cut:]...)
}

func sumEntries(entries []windowEntry) int64 {
	var sum int64
	for _, e := range entries {
		sum += e.amount
	}
	return sum
}

func cloneRatios(ratios map[string]float64) map[string]float64 {
	cp := make(map[string]float64, len(ratios))
	for k, v := range ratios {
		cp[k] = v
	}
	return cp
}
