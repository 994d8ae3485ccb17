// Package retry implements the bounded, fixed-delay retry policy applied to outbound
// exchange calls.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"cryptoSpotBot/internal/clock"
	"cryptoSpotBot/internal/ports"
)

// Policy configures how transient failures are retried.
type Policy struct {
	Attempts int           // Total attempts including the first; values < 1 mean 1
	Delay    time.Duration // Fixed delay between attempts
	Clock    clock.Clock   // Defaults to the system clock
	Logger   ports.Logger  // Optional
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Do runs fn until it succeeds, returns a non-transient error, the attempts are exhausted,
// or ctx is cancelled. The returned error wraps the last failure.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	// Factor 1 without jitter keeps every wait at exactly Delay.
	b := &backoff.Backoff{Min: p.Delay, Max: p.Delay, Factor: 1, Jitter: false}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.attempts(); attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !ports.IsTransient(err) || attempt == p.attempts() {
			break
		}

		wait := time.Duration(0)
		if p.Delay > 0 {
			wait = b.Duration()
		}
		if p.Logger != nil {
			p.Logger.Warn(ctx, op+": transient failure, retrying", map[string]interface{}{
				"attempt": attempt, "maxAttempts": p.attempts(), "delay": wait.String(), "error": err.Error(),
			})
		}
		if wait > 0 {
			select {
			case <-clk.After(wait):
			case <-ctx.Done():
				return zero, fmt.Errorf("%s: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
			}
		}
	}
	if ports.IsTransient(lastErr) {
		return zero, fmt.Errorf("%s: giving up after %d attempts: %w", op, p.attempts(), lastErr)
	}
	return zero, lastErr
}
