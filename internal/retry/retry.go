// Package retry provides a small bounded-retry helper for lookups that can
// race with a concurrent writer.
package retry

import (
	"context"
	"errors"
	"time"
)

// Do runs fn up to attempts times, sleeping delay between tries and doubling
// it each time. It returns nil on the first success, the last error once
// attempts are exhausted, or the context error if ctx ends while waiting.
func Do(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		return errors.New("retry: attempts must be > 0")
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
