package kvdb

import (
	"context"
	"strings"
	"time"
)

const (
	queryTimeout      = 1500 * time.Millisecond
	maxQueryAttempts  = 3
	retryBaseInterval = 100 * time.Millisecond
)

// withRetry runs fn with a 1.5s timeout, retrying up to three times with
// exponential backoff when the failure is "database is locked" (spec
// §4.1.2 access discipline). Any other error returns immediately.
func withRetry[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := retryBaseInterval

	for attempt := 0; attempt < maxQueryAttempts; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, queryTimeout)
		result, err := fn(qctx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isLockedErr(err) {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return zero, lastErr
}

func isLockedErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
