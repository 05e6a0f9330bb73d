package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/daveddh/llmlimiter/internal/domain"
)

// RetryConfig configures Retry's backoff and which of llmlimiter's typed
// errors are worth another attempt.
type RetryConfig struct {
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	Jitter             bool
	RetryOnTimeout     bool // context.DeadlineExceeded
	RetryOnRateLimit   bool // *domain.ErrQuotaExceeded
	RetryOnServerError bool // *domain.ErrCoordinatorUnavailable
}

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Calculate backoff
			backoff := calculateBackoff(attempt, config.BackoffBase, config.BackoffMax, config.Jitter)

			select {
			case <-time.After(backoff):
				// Continue to retry
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil // Success
		}

		lastErr = err

		// Check if error is retryable
		if !isRetryableError(err, config) {
			return err // Non-retryable error
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff calculates exponential backoff with optional jitter
func calculateBackoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	// Exponential backoff: base * 2^attempt
	backoff := base * time.Duration(math.Pow(2, float64(attempt)))

	if backoff > max {
		backoff = max
	}

	if jitter {
		// Add random jitter (±25%)
		jitterRange := float64(backoff) * 0.25
		jitterAmount := (rand.Float64() - 0.5) * 2 * jitterRange
		backoff = backoff + time.Duration(jitterAmount)
	}

	if backoff < 0 {
		backoff = base
	}

	return backoff
}

// isRetryableError classifies err against llmlimiter's own typed errors
// rather than sniffing HTTP status codes or gateway error strings: the
// Backend Driver never produces those, only *domain.ErrCoordinatorUnavailable
// (a transport blip talking to the coordinator) and *domain.ErrQuotaExceeded
// (a transient window-boundary race, not a hard reject). A bare
// context.DeadlineExceeded covers a coordinator call that simply ran past
// its own timeout.
func isRetryableError(err error, config RetryConfig) bool {
	if err == nil {
		return false
	}

	if config.RetryOnTimeout && errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var coordErr *domain.ErrCoordinatorUnavailable
	if config.RetryOnServerError && errors.As(err, &coordErr) {
		return true
	}

	var quotaErr *domain.ErrQuotaExceeded
	if config.RetryOnRateLimit && errors.As(err, &quotaErr) {
		return true
	}

	return false
}
