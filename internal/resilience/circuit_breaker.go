package resilience

import (
	"sync"
	"time"
)

// EjectionState is the binary health state of this instance's heartbeat
// loop, a simplification of the teacher's three-state
// closed/half-open/open circuit breaker (spec §7, §12): there is no
// coordinator-side "provider" to recover independently, so half-open has
// no meaning here — an ejected instance re-registers from scratch instead
// of probing.
type EjectionState string

const (
	StateHealthy EjectionState = "healthy"
	StateEjected EjectionState = "ejected"
)

// HeartbeatBreaker tracks consecutive heartbeat failures for one instance
// and trips to StateEjected once they reach a threshold, at which point
// the caller is expected to treat itself as if another instance had run
// CLEANUP on it and go through start() again (spec §7).
type HeartbeatBreaker struct {
	mu        sync.Mutex
	state     EjectionState
	failures  int
	threshold int
	ejectedAt time.Time
}

// NewHeartbeatBreaker creates a breaker that ejects after threshold
// consecutive heartbeat failures. threshold <= 0 defaults to 3.
func NewHeartbeatBreaker(threshold int) *HeartbeatBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &HeartbeatBreaker{state: StateHealthy, threshold: threshold}
}

// RecordSuccess clears the failure streak and returns to StateHealthy.
func (b *HeartbeatBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = StateHealthy
}

// RecordFailure counts one failed heartbeat and reports whether this call
// tripped the breaker into StateEjected.
func (b *HeartbeatBreaker) RecordFailure(now time.Time) (ejected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateEjected {
		return true
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = StateEjected
		b.ejectedAt = now
		return true
	}
	return false
}

// State reports the current state.
func (b *HeartbeatBreaker) State() EjectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to StateHealthy after a successful
// re-registration, clearing the failure streak.
func (b *HeartbeatBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateHealthy
	b.failures = 0
	b.ejectedAt = time.Time{}
}
