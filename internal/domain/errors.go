package domain

import (
	"errors"
	"fmt"

	"time"
)

// ErrStopped is returned by any operation invoked after stop(), per spec §7.
var ErrStopped = errors.New("llmlimiter: instance stopped")

// ErrNoModelsAvailable is returned when a job's escalation list is empty,
// per spec §4.5 step 2.
var ErrNoModelsAvailable = errors.New("llmlimiter: no models available for job type")

// ErrInvalidConfig wraps a configuration problem detected at start(), per
// spec §7. It is never returned once the limiter has started.
type ErrInvalidConfig struct {
	Reason string
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("llmlimiter: invalid config: %s", e.Reason)
}

// ErrCoordinatorUnavailable wraps a transport error from the Backend Driver.
// The Scheduler treats it exactly like quota exhaustion for the current
// model and escalates, per spec §4.2 and §7.
type ErrCoordinatorUnavailable struct {
	Op  string
	Err error
}

func (e *ErrCoordinatorUnavailable) Error() string {
	return fmt.Sprintf("llmlimiter: coordinator unavailable during %s: %v", e.Op, e.Err)
}

func (e *ErrCoordinatorUnavailable) Unwrap() error { return e.Err }

// ModelAttempt records why one escalation candidate was not used, carried
// by ErrAllModelsExhausted for caller diagnostics.
type ModelAttempt struct {
	ModelID string
	Reason  string // "timeout", "canceled", "unknown_model", "quota_exhausted:<kind>", "coordinator_unavailable", "coordinator_rejected"
	WaitedMs int64
}

// ErrAllModelsExhausted is returned when every candidate model in the
// escalation list either timed out or was rejected, per spec §4.5 step 4.
type ErrAllModelsExhausted struct {
	TriedModels []string
	Attempts    []ModelAttempt
}

func (e *ErrAllModelsExhausted) Error() string {
	return fmt.Sprintf("llmlimiter: all models exhausted, tried %v", e.TriedModels)
}

// ErrQuotaExceeded is returned by the Backend Driver's ACQUIRE when at
// least one quota kind would go over its limit, per spec §4.2. Kind names
// the first offending quota found; Acquire has already rolled back every
// partial increment before returning it.
type ErrQuotaExceeded struct {
	ModelID string
	Kind    QuotaKind
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("llmlimiter: quota %s exceeded for model %s", e.Kind, e.ModelID)
}

// Clock abstracts time.Now for deterministic tests; production code uses
// RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }
