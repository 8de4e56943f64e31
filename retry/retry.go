// Package retry runs an operation with exponential backoff until it succeeds,
// fails with a non-retryable error, or the context ends.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/bankofai/x402-go"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           // attempts including the first; values below 1 mean 1
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // upper bound on any single delay
	Multiplier   float64       // growth factor between delays
	Jitter       float64       // fraction of each delay randomised, 0 to 1
}

// DefaultConfig is used by facilitator clients unless overridden.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// IsRetryable determines if an error should trigger a retry.
type IsRetryable func(error) bool

// Transient reports whether err carries a retryable x402 reason code or is a
// network timeout. Context errors are never retried.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if x402.Retryable(x402.ReasonOf(err)) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Delay returns the backoff before attempt n (n >= 1 is the first retry).
func (c Config) Delay(n int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 1; i < n; i++ {
		d *= c.Multiplier
		if c.MaxDelay > 0 && d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	if c.Jitter > 0 {
		d -= d * c.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// WithRetry executes fn until it succeeds or isRetryable rejects its error.
// The last error is wrapped so callers can still match its reason code.
func WithRetry[T any](
	ctx context.Context,
	config Config,
	isRetryable IsRetryable,
	fn func() (T, error),
) (T, error) {
	var zero T
	if isRetryable == nil {
		isRetryable = Transient
	}
	attempts := max(config.MaxAttempts, 1)

	var lastErr error
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(config.Delay(attempt + 1))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// WithSimpleRetry uses DefaultConfig and the Transient predicate.
func WithSimpleRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return WithRetry(ctx, DefaultConfig, Transient, fn)
}
