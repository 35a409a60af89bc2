package ledger

import (
	"context"
	"time"
)

// withRetry calls fn up to attempts times, sleeping backoff between
// attempts, and returns the last error if every attempt fails. It respects
// ctx cancellation between attempts. A shared helper for every
// transient-RPC-error path that needs bounded retry with backoff.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
