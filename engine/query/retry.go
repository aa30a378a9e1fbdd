package query

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/compozy/mssql-mcp/pkg/logger"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// LinearBackoff waits base, 2*base, 3*base, ... between attempts.
func LinearBackoff(base time.Duration) retry.Backoff {
	var attempt atomic.Uint64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n := attempt.Add(1)
		return base * time.Duration(n), false // #nosec G115 -- bounded by WithMaxRetries
	})
}

// attemptFunc is one try of an operation against a freshly obtained pool.
type attemptFunc func(ctx context.Context) error

// runWithRetry calls fn up to maxAttempts times. Only transient failures are
// retried. It returns the attempt count and the kind of the last failure.
func (e *Executor) runWithRetry(
	ctx context.Context,
	operation, label string,
	fn attemptFunc,
) (int, FailureKind, error) {
	log := logger.FromContext(ctx)
	maxAttempts := max(e.maxRetries, 1)
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), LinearBackoff(e.retryDelay)) // #nosec G115 -- positive
	attempts := 0
	kind := FailureNone
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		callErr := fn(ctx)
		if callErr == nil {
			kind = FailureNone
			return nil
		}
		kind = Classify(callErr)
		if kind.Transient() && attempts < maxAttempts {
			log.Warn(
				"Operation failed, retrying",
				"operation", operation,
				"label", label,
				"attempt", attempts,
				"max_attempts", maxAttempts,
				"failure_kind", string(kind),
				"error", callErr,
			)
			e.metrics.RecordRetry(ctx, operation, kind)
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	return attempts, kind, err
}
