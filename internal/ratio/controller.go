// Package ratio implements the Ratio Controller (spec §4.4): per-instance
// share of capacity across job types, adjusted on sustained queue-depth
// signals and republished through the Backend Driver whenever it changes.
// The state-machine shape (counters, thresholds, clamped transitions) is
// grounded on the teacher's internal/resilience/circuit_breaker.go, traded
// from Postgres-backed state to an in-memory map since ratios are
// instance-local (spec §4.4).
package ratio

import (
	"sync"

	"github.com/daveddh/llmlimiter/internal/domain"
)

// Config tunes how many consecutive over-threshold ticks are required
// before a job type's ratio is bumped, how large each step is, and the
// queue-depth threshold that counts as "sustained demand". Enabled and
// AdjustIntervalMs are read by the Limiter, which runs the adjustment loop
// only when Enabled is set, ticking every AdjustIntervalMs (5s when <= 0).
type Config struct {
	Enabled             bool
	AdjustIntervalMs    int64
	QueueDepthThreshold int
	SustainedTicks      int
	Step                float64
}

func (c Config) withDefaults() Config {
	if c.SustainedTicks <= 0 {
		c.SustainedTicks = 3
	}
	if c.Step <= 0 {
		c.Step = 0.05
	}
	if c.QueueDepthThreshold <= 0 {
		c.QueueDepthThreshold = 1
	}
	return c
}

// Controller tracks ratios for every job type on this instance.
type Controller struct {
	cfg Config

	mu        sync.Mutex
	bounds    map[string]domain.RatioBounds
	ratios    map[string]float64
	sustained map[string]int
}

// New creates a Controller seeded with each job type's InitialValue.
func New(cfg Config, bounds map[string]domain.RatioBounds) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:       cfg,
		bounds:    make(map[string]domain.RatioBounds, len(bounds)),
		ratios:    make(map[string]float64, len(bounds)),
		sustained: make(map[string]int, len(bounds)),
	}
	for jobType, b := range bounds {
		c.bounds[jobType] = b
		c.ratios[jobType] = b.InitialValue
	}
	return c
}

// Snapshot returns a copy of the current ratios, safe for a REGISTER-style
// publish to the Backend Driver.
func (c *Controller) Snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.ratios))
	for k, v := range c.ratios {
		out[k] = v
	}
	return out
}

// Observe records one tick's queue depth per job type and adjusts ratios
// that are not pinned (spec §4.4): job types with sustained depth at or
// above the threshold gain ratio up to Max; idle job types lose ratio down
// to Min. Returns true if any ratio actually changed, signaling the caller
// to republish via the Backend Driver's UpdateRatios.
func (c *Controller) Observe(queueDepths map[string]int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for jobType, bounds := range c.bounds {
		if bounds.Fixed {
			continue
		}
		depth := queueDepths[jobType]

		if depth >= c.cfg.QueueDepthThreshold {
			c.sustained[jobType]++
		} else {
			c.sustained[jobType] = 0
		}

		current := c.ratios[jobType]
		switch {
		case c.sustained[jobType] >= c.cfg.SustainedTicks:
			next := current + c.cfg.Step
			if next > bounds.Max {
				next = bounds.Max
			}
			if next != current {
				c.ratios[jobType] = next
				changed = true
			}
		case depth == 0:
			if !c.wouldStarveAllJobTypes(jobType, bounds) {
				next := current - c.cfg.Step
				if next < bounds.Min {
					next = bounds.Min
				}
				if next != current {
					c.ratios[jobType] = next
					changed = true
				}
			}
		}
	}
	return changed
}

// wouldStarveAllJobTypes refuses to decrease jobType's ratio below zero
// impact when it is the only job type still holding positive ratio,
// preserving the invariant Σ r[j] > 0 (spec §4.4).
func (c *Controller) wouldStarveAllJobTypes(jobType string, bounds domain.RatioBounds) bool {
	if bounds.Min > 0 || c.ratios[jobType] <= 0 {
		return false
	}
	var sum float64
	for jt, r := range c.ratios {
		if jt == jobType {
			continue
		}
		sum += r
	}
	return sum <= 0
}

// SetFixed pins jobType's ratio to value, matching spec §4.4's fixed=true
// mode; Observe then skips it entirely.
func (c *Controller) SetFixed(jobType string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bounds[jobType]
	b.Fixed = true
	c.bounds[jobType] = b
	c.ratios[jobType] = value
}
