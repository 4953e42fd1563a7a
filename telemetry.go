package synclock

import (
	"context"
	"time"
)

// TelemetryBackend wraps any LockBackend and emits one Logger event for each
// Acquire, Release and Extend call; Acquire also records its duration
// through Metrics. IsLocked, Lookup and Capabilities pass straight through
// and emit no Logger or Metrics event. The wrapper favors delegation over
// inheritance the way spec.md's design note prescribes. Caller-supplied keys and lockIds are hashed
// (SHA-256, truncated) before they reach the logger or metrics tags unless
// rawIdentifiers is true — privacy-conscious diagnostics by default.
type TelemetryBackend struct {
	inner          LockBackend
	logger         Logger
	metrics        Metrics
	rawIdentifiers bool
}

// NewTelemetryBackend wraps inner, logging its Acquire/Release/Extend calls
// through logger and timing its Acquire calls through metrics. Pass rawIdentifiers=true only when operators
// are trusted to see literal keys and lockIds in logs/metrics.
func NewTelemetryBackend(inner LockBackend, logger Logger, metrics Metrics, rawIdentifiers bool) *TelemetryBackend {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &TelemetryBackend{inner: inner, logger: logger, metrics: metrics, rawIdentifiers: rawIdentifiers}
}

func (t *TelemetryBackend) identify(s string) string {
	if t.rawIdentifiers {
		return s
	}
	return hashIdentifier(s)
}

// Acquire implements LockBackend.
func (t *TelemetryBackend) Acquire(ctx context.Context, key string, ttl time.Duration) (AcquireResult, error) {
	start := time.Now()
	result, err := t.inner.Acquire(ctx, key, ttl)
	t.metrics.Timing(MetricLockDuration, time.Since(start), "backend", t.inner.Capabilities().Backend)
	if err != nil {
		t.logger.Error("acquire failed", "key", t.identify(key), "error", err)
		return result, err
	}
	if result.OK {
		t.logger.Info("lock acquired", "key", t.identify(key), "lockId", t.identify(result.LockID), "fence", result.Fence)
	} else {
		t.logger.Debug("acquire contended", "key", t.identify(key), "reason", result.Reason)
	}
	return result, nil
}

// Release implements LockBackend.
func (t *TelemetryBackend) Release(ctx context.Context, lockID string) (ReleaseResult, error) {
	result, err := t.inner.Release(ctx, lockID)
	if err != nil {
		t.logger.Error("release failed", "lockId", t.identify(lockID), "error", err)
		return result, err
	}
	if result.OK {
		t.logger.Info("lock released", "lockId", t.identify(lockID))
	} else {
		t.logger.Debug("release did not apply", "lockId", t.identify(lockID), "reason", result.Reason)
	}
	return result, nil
}

// Extend implements LockBackend.
func (t *TelemetryBackend) Extend(ctx context.Context, lockID string, ttl time.Duration) (ExtendResult, error) {
	result, err := t.inner.Extend(ctx, lockID, ttl)
	if err != nil {
		t.logger.Error("extend failed", "lockId", t.identify(lockID), "error", err)
		return result, err
	}
	if result.OK {
		t.logger.Debug("lock extended", "lockId", t.identify(lockID), "expiresAtMs", result.ExpiresAtMs)
	} else {
		t.logger.Debug("extend did not apply", "lockId", t.identify(lockID), "reason", result.Reason)
	}
	return result, nil
}

// IsLocked implements LockBackend.
func (t *TelemetryBackend) IsLocked(ctx context.Context, key string) (bool, error) {
	return t.inner.IsLocked(ctx, key)
}

// Lookup implements LockBackend.
func (t *TelemetryBackend) Lookup(ctx context.Context, ref LookupRef) (*LockInfo, error) {
	return t.inner.Lookup(ctx, ref)
}

// Capabilities implements LockBackend.
func (t *TelemetryBackend) Capabilities() Capabilities {
	return t.inner.Capabilities()
}
