package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/daveddh/llmlimiter/internal/domain"
)

// RedisDriver is the distributed Backend Driver, grounded on the
// redis.NewScript DECR/INCR-with-rollback quota pattern found in the
// retrieval pack's redis_sync_service.go, generalized from a single
// integer quota to the five simultaneously enforced quota kinds of spec
// §3 using sorted sets for the decayed kinds (RPM/RPD/TPM/TPD) and a
// plain counter for CONCURRENT, per spec §4.2's windowing description.
//
// Key layout follows spec §6 exactly: prefix:instance:<id>,
// prefix:ratios:<id>, prefix:usage:<modelId>:<kind> (and a companion
// :amounts hash, an implementation detail — see acquireScript doc),
// prefix:alloc, and channel prefix:events.
type RedisDriver struct {
	client *redis.Client
	cfg    Config

	instancesKey string
	versionKey   string
	allocKey     string
	channel      string
}

// NewRedisDriver wires a RedisDriver against an already-connected client.
func NewRedisDriver(client *redis.Client, cfg Config) *RedisDriver {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "llmlimiter"
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &RedisDriver{
		client:       client,
		cfg:          cfg,
		instancesKey: cfg.KeyPrefix + ":instances",
		versionKey:   cfg.KeyPrefix + ":version",
		allocKey:     cfg.KeyPrefix + ":alloc",
		channel:      cfg.KeyPrefix + ":events",
	}
}

func (d *RedisDriver) instanceKey(id string) string { return d.cfg.KeyPrefix + ":instance:" + id }
func (d *RedisDriver) ratiosKey(id string) string    { return d.cfg.KeyPrefix + ":ratios:" + id }
func (d *RedisDriver) usageKey(modelID string, kind domain.QuotaKind) string {
	return fmt.Sprintf("%s:usage:%s:%s", d.cfg.KeyPrefix, modelID, kind)
}

// allocMessage is the wire schema published on prefix:events, per spec §6.
// slotsByJobTypeAndModel is intentionally absent: ratios are per-instance
// (spec §4.1), so each subscriber completes the computation locally from
// the published (version, instanceCount) using its own ratios — see
// limiter.applyAllocation and backend.MemoryDriver's recomputeLocked.
type allocMessage struct {
	Version       int64 `json:"version"`
	InstanceCount int   `json:"instanceCount"`
}

// registerScript adds the instance, bumps the version and publishes,
// atomically. TTL on the instance/ratios keys is >= 2*heartbeat per
// spec §4.2.
var registerScript = redis.NewScript(`
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[3])
	redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
	redis.call('SADD', KEYS[3], ARGV[4])
	local version = redis.call('INCR', KEYS[4])
	local count = redis.call('SCARD', KEYS[3])
	local msg = cjson.encode({version = version, instanceCount = count})
	redis.call('SET', KEYS[5], msg)
	redis.call('PUBLISH', KEYS[6], msg)
	return {version, count}
`)

var unregisterScript = redis.NewScript(`
	redis.call('DEL', KEYS[1])
	redis.call('DEL', KEYS[2])
	redis.call('SREM', KEYS[3], ARGV[1])
	local version = redis.call('INCR', KEYS[4])
	local count = redis.call('SCARD', KEYS[3])
	local msg = cjson.encode({version = version, instanceCount = count})
	redis.call('SET', KEYS[5], msg)
	redis.call('PUBLISH', KEYS[6], msg)
	return {version, count}
`)

var heartbeatScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('EXPIRE', KEYS[1], ARGV[1])
	redis.call('EXPIRE', KEYS[2], ARGV[1])
	return 1
`)

// cleanupScript drops any instance whose instance key has already expired but
// whose id still lingers in the membership set, per spec §4.2's CLEANUP.
var cleanupScript = redis.NewScript(`
	local members = redis.call('SMEMBERS', KEYS[1])
	local removed = 0
	for i = 1, #members do
		local instKey = ARGV[1] .. members[i]
		if redis.call('EXISTS', instKey) == 0 then
			redis.call('SREM', KEYS[1], members[i])
			redis.call('DEL', ARGV[2] .. members[i])
			removed = removed + 1
		end
	end
	if removed == 0 then
		return 0
	end
	local version = redis.call('INCR', KEYS[2])
	local count = redis.call('SCARD', KEYS[1])
	local msg = cjson.encode({version = version, instanceCount = count})
	redis.call('SET', KEYS[3], msg)
	redis.call('PUBLISH', KEYS[4], msg)
	return removed
`)

// acquireScript checks every applicable quota kind before committing any
// of them: KEYS are the per-kind usage keys in the same order as the
// (cost, limit, windowMs) triples packed into ARGV starting at index 3.
// windowMs == 0 marks CONCURRENT, backed by a plain counter; otherwise
// the key is a sorted set of ticket members scored by acquisition time,
// with a companion "<key>:amounts" hash holding each ticket's committed
// cost (a sorted set alone cannot carry a variable per-member cost).
// Returns 0 on success, or the 1-based index of the first kind that would
// exceed its limit — the caller, who built KEYS in a known order, maps
// the index back to a domain.QuotaKind itself.
var acquireScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local ticket = ARGV[2]
	local n = #KEYS
	local costs, limits, windows, currents = {}, {}, {}, {}
	for i = 1, n do
		local b = 2 + (i - 1) * 3
		costs[i] = tonumber(ARGV[b + 1])
		limits[i] = tonumber(ARGV[b + 2])
		windows[i] = tonumber(ARGV[b + 3])
		local current = 0
		if windows[i] == 0 then
			local v = redis.call('GET', KEYS[i])
			if v then current = tonumber(v) end
		else
			local cutoff = now - windows[i]
			local expired = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', cutoff)
			if #expired > 0 then
				redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', cutoff)
				for j = 1, #expired do
					redis.call('HDEL', KEYS[i] .. ':amounts', expired[j])
				end
			end
			local amounts = redis.call('HVALS', KEYS[i] .. ':amounts')
			for j = 1, #amounts do
				current = current + tonumber(amounts[j])
			end
		end
		currents[i] = current
	end

	for i = 1, n do
		if currents[i] + costs[i] > limits[i] then
			return i
		end
	end

	for i = 1, n do
		if windows[i] == 0 then
			redis.call('INCRBY', KEYS[i], costs[i])
		else
			redis.call('ZADD', KEYS[i], now, ticket)
			redis.call('HSET', KEYS[i] .. ':amounts', ticket, costs[i])
			local ttl = math.ceil(windows[i] * 2 / 1000)
			redis.call('EXPIRE', KEYS[i], ttl)
			redis.call('EXPIRE', KEYS[i] .. ':amounts', ttl)
		end
	end
	return 0
`)

// releaseScript applies the reconciled actual cost to each kind the
// matching Acquire committed: for CONCURRENT it decrements (never below
// zero); for decayed kinds it replaces the ticket's committed amount with
// its actual cost (a refund shrinks it, an overage grows it), or removes
// the entry outright when actual is zero, per spec §4.6. A ticket whose
// entry has already left the window is not re-created.
var releaseScript = redis.NewScript(`
	local n = #KEYS
	for i = 1, n do
		local b = (i - 1) * 3
		local windowMs = tonumber(ARGV[b + 1])
		local ticket = ARGV[b + 2]
		local newAmount = tonumber(ARGV[b + 3])
		if windowMs == 0 then
			local v = redis.call('DECRBY', KEYS[i], 1)
			if tonumber(v) < 0 then
				redis.call('SET', KEYS[i], 0)
			end
		else
			if newAmount <= 0 then
				redis.call('ZREM', KEYS[i], ticket)
				redis.call('HDEL', KEYS[i] .. ':amounts', ticket)
			elseif redis.call('ZSCORE', KEYS[i], ticket) then
				redis.call('HSET', KEYS[i] .. ':amounts', ticket, newAmount)
			end
		end
	end
	return 'OK'
`)

func (d *RedisDriver) Register(ctx context.Context, instanceID string, ratios map[string]float64) (*domain.AllocationTable, error) {
	ratiosJSON, err := json.Marshal(ratios)
	if err != nil {
		return nil, fmt.Errorf("llmlimiter: marshal ratios: %w", err)
	}
	now := time.Now().Unix()
	ttl := int64(d.cfg.HeartbeatTimeout.Seconds()) * 2

	res, err := registerScript.Run(ctx, d.client, []string{
		d.instanceKey(instanceID), d.ratiosKey(instanceID), d.instancesKey, d.versionKey, d.allocKey, d.channel,
	}, now, string(ratiosJSON), ttl, instanceID).Result()
	if err != nil {
		return nil, &domain.ErrCoordinatorUnavailable{Op: "register", Err: err}
	}
	return parseVersionCount(res)
}

func (d *RedisDriver) Unregister(ctx context.Context, instanceID string) error {
	_, err := unregisterScript.Run(ctx, d.client, []string{
		d.instanceKey(instanceID), d.ratiosKey(instanceID), d.instancesKey, d.versionKey, d.allocKey, d.channel,
	}, instanceID).Result()
	if err != nil {
		return &domain.ErrCoordinatorUnavailable{Op: "unregister", Err: err}
	}
	return nil
}

func (d *RedisDriver) Heartbeat(ctx context.Context, instanceID string) error {
	ttl := int64(d.cfg.HeartbeatTimeout.Seconds()) * 2
	res, err := heartbeatScript.Run(ctx, d.client, []string{
		d.instanceKey(instanceID), d.ratiosKey(instanceID),
	}, ttl).Result()
	if err != nil {
		return &domain.ErrCoordinatorUnavailable{Op: "heartbeat", Err: err}
	}
	if n, ok := res.(int64); ok && n == 0 {
		return fmt.Errorf("llmlimiter: heartbeat from unregistered instance %q: %w", instanceID, domain.ErrStopped)
	}
	return nil
}

func (d *RedisDriver) Cleanup(ctx context.Context) error {
	_, err := cleanupScript.Run(ctx, d.client, []string{
		d.instancesKey, d.versionKey, d.allocKey, d.channel,
	}, d.cfg.KeyPrefix+":instance:", d.cfg.KeyPrefix+":ratios:").Result()
	if err != nil {
		return &domain.ErrCoordinatorUnavailable{Op: "cleanup", Err: err}
	}
	return nil
}

func (d *RedisDriver) UpdateRatios(ctx context.Context, instanceID string, ratios map[string]float64) (*domain.AllocationTable, error) {
	// Ratio changes don't alter membership, only re-publish a version bump
	// so every subscriber recomputes its own local share (spec §4.4).
	return d.Register(ctx, instanceID, ratios)
}

func (d *RedisDriver) Acquire(ctx context.Context, modelID string, cost Cost) (string, error) {
	model, ok := d.cfg.Models[modelID]
	if !ok {
		return "", fmt.Errorf("llmlimiter: acquire on unknown model %q", modelID)
	}
	kinds := model.ApplicableKinds()
	if len(kinds) == 0 {
		return uuid.NewString(), nil
	}

	keys := make([]string, len(kinds))
	args := []interface{}{time.Now().UnixMilli(), ""}
	ticket := uuid.NewString()
	args[1] = ticket
	for i, kind := range kinds {
		keys[i] = d.usageKey(modelID, kind)
		limit, _ := model.Limit(kind)
		windowMs := int64(0)
		if w, decayed := kind.Window(); decayed {
			windowMs = w.Milliseconds()
		}
		args = append(args, cost[kind], limit, windowMs)
	}

	res, err := acquireScript.Run(ctx, d.client, keys, args...).Result()
	if err != nil {
		return "", &domain.ErrCoordinatorUnavailable{Op: "acquire", Err: err}
	}
	idx, _ := res.(int64)
	if idx != 0 {
		return "", &domain.ErrQuotaExceeded{ModelID: modelID, Kind: kinds[idx-1]}
	}
	return ticket, nil
}

func (d *RedisDriver) Release(ctx context.Context, modelID string, ticket string, actual, estimated Cost) error {
	model, ok := d.cfg.Models[modelID]
	if !ok {
		return fmt.Errorf("llmlimiter: release on unknown model %q", modelID)
	}
	kinds := model.ApplicableKinds()
	if len(kinds) == 0 {
		return nil
	}

	keys := make([]string, len(kinds))
	var args []interface{}
	for i, kind := range kinds {
		keys[i] = d.usageKey(modelID, kind)
		windowMs := int64(0)
		if w, decayed := kind.Window(); decayed {
			windowMs = w.Milliseconds()
		}
		newAmount := actual[kind]
		if newAmount < 0 {
			newAmount = 0
		}
		args = append(args, windowMs, ticket, newAmount)
	}

	_, err := releaseScript.Run(ctx, d.client, keys, args...).Result()
	if err != nil {
		return &domain.ErrCoordinatorUnavailable{Op: "release", Err: err}
	}
	return nil
}

func (d *RedisDriver) Snapshot(ctx context.Context, modelID string) (ModelSnapshot, error) {
	model, ok := d.cfg.Models[modelID]
	if !ok {
		return ModelSnapshot{}, fmt.Errorf("llmlimiter: snapshot of unknown model %q", modelID)
	}

	snap := ModelSnapshot{ModelID: modelID, Usage: map[domain.QuotaKind]int64{}, Limit: map[domain.QuotaKind]int64{}, ResetsInMs: map[domain.QuotaKind]int64{}}
	now := time.Now()

	for _, kind := range model.ApplicableKinds() {
		limit, _ := model.Limit(kind)
		snap.Limit[kind] = int64(limit)
		key := d.usageKey(modelID, kind)

		if kind == domain.QuotaConcurrent {
			v, err := d.client.Get(ctx, key).Int64()
			if err != nil && err != redis.Nil {
				return ModelSnapshot{}, &domain.ErrCoordinatorUnavailable{Op: "snapshot", Err: err}
			}
			snap.ConcurrentActive = int(v)
			snap.ConcurrentLimit = limit
			continue
		}

		window, _ := kind.Window()
		cutoff := now.Add(-window).UnixMilli()
		cutoffStr := fmt.Sprintf("%d", cutoff)
		expired, err := d.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoffStr}).Result()
		if err != nil {
			return ModelSnapshot{}, &domain.ErrCoordinatorUnavailable{Op: "snapshot", Err: err}
		}
		if len(expired) > 0 {
			if err := d.client.HDel(ctx, key+":amounts", expired...).Err(); err != nil {
				return ModelSnapshot{}, &domain.ErrCoordinatorUnavailable{Op: "snapshot", Err: err}
			}
		}
		if err := d.client.ZRemRangeByScore(ctx, key, "-inf", cutoffStr).Err(); err != nil {
			return ModelSnapshot{}, &domain.ErrCoordinatorUnavailable{Op: "snapshot", Err: err}
		}
		amounts, err := d.client.HVals(ctx, key+":amounts").Result()
		if err != nil {
			return ModelSnapshot{}, &domain.ErrCoordinatorUnavailable{Op: "snapshot", Err: err}
		}
		var sum int64
		for _, a := range amounts {
			var v int64
			fmt.Sscanf(a, "%d", &v)
			sum += v
		}
		snap.Usage[kind] = sum

		oldest, err := d.client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			oldestMs := int64(oldest[0].Score)
			resets := window.Milliseconds() - (now.UnixMilli() - oldestMs)
			if resets < 0 {
				resets = 0
			}
			snap.ResetsInMs[kind] = resets
		}
	}
	return snap, nil
}

func (d *RedisDriver) Subscribe(ctx context.Context) (<-chan domain.AllocationTable, func()) {
	sub := d.client.Subscribe(ctx, d.channel)
	out := make(chan domain.AllocationTable, 8)
	done := make(chan struct{})

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m allocMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					continue
				}
				select {
				case out <- domain.AllocationTable{Version: m.Version, InstanceCount: m.InstanceCount}:
				default:
				}
			case <-done:
				return
			}
		}
	}()

	unsub := func() {
		close(done)
		sub.Close()
	}
	return out, unsub
}

func (d *RedisDriver) Close() error {
	return d.client.Close()
}

func parseVersionCount(res interface{}) (*domain.AllocationTable, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return nil, fmt.Errorf("llmlimiter: unexpected register reply %#v", res)
	}
	version, _ := arr[0].(int64)
	count, _ := arr[1].(int64)
	return &domain.AllocationTable{Version: version, InstanceCount: int(count)}, nil
}
