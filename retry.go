package synclock

import (
	"context"
	"math/rand"
	"time"
)

// DefaultAcquireRetryTTL is the lease length AcquireWithRetry requests on
// each attempt when the caller passes a zero ttl.
const DefaultAcquireRetryTTL = 30 * time.Second

// AcquireWithRetry repeatedly calls backend.Acquire(ctx, key, ttl) until it
// succeeds, ctx is done, or the first attempt and policy.MaxRetries further
// attempts are exhausted, backing off between attempts the way the teacher's
// index-update retry loop does: InitialBackoff*BackoffMultiple^attempt plus
// a random jitter of up to JitterPercent of that backoff. A zero ttl requests
// DefaultAcquireRetryTTL. A CircuitBreaker, when supplied, wraps each
// attempt; once it trips, the remaining attempts fail fast without calling
// the backend rather than continuing to hammer a backend that is already down.
//
// This is the "external auto-retry helper" spec.md frames as a collaborator
// outside LockBackend: it depends only on the public interface, never on a
// concrete backend.
func AcquireWithRetry(ctx context.Context, backend LockBackend, key string, ttl time.Duration, policy RetryConfig, breaker *CircuitBreaker) (AcquireResult, error) {
	if err := policy.Validate(); err != nil {
		return AcquireResult{}, NewError(KindInvalidArgument, "AcquireWithRetry", err)
	}
	if ttl == 0 {
		ttl = DefaultAcquireRetryTTL
	}

	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return AcquireResult{}, NewError(KindAborted, "AcquireWithRetry", err)
		}

		var result AcquireResult
		var err error
		if breaker != nil {
			err = breaker.Execute(ctx, func() error {
				var innerErr error
				result, innerErr = backend.Acquire(ctx, key, ttl)
				return innerErr
			})
		} else {
			result, err = backend.Acquire(ctx, key, ttl)
		}

		if err != nil {
			if IsPermanent(err) {
				return AcquireResult{}, err
			}
			lastErr = err
		} else if result.OK {
			return result, nil
		}

		if attempt == policy.MaxRetries {
			break
		}

		backoff := policy.InitialBackoff * time.Duration(pow(policy.BackoffMultiple, attempt))
		jitter := time.Duration(float64(backoff) * policy.JitterPercent * rand.Float64())
		select {
		case <-ctx.Done():
			return AcquireResult{}, NewError(KindAborted, "AcquireWithRetry", ctx.Err())
		case <-time.After(backoff + jitter):
		}
	}

	if lastErr != nil {
		return AcquireResult{}, NewError(KindAcquisitionTimeout, "AcquireWithRetry", lastErr)
	}
	return AcquireResult{}, NewError(KindAcquisitionTimeout, "AcquireWithRetry", ErrAcquisitionExhausted)
}

func pow(base, exp int) int {
	result := 1
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
