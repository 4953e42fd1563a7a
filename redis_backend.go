package synclock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements LockBackend against a single Redis instance using
// server-side Lua scripts: every operation is one EVALSHA round-trip, so the
// read-check-write sequence is atomic without a client-side transaction.
//
// Key layout, all under keyPrefix:
//
//	{prefix}:{storageKey}      lock record, a hash: lockId, expiresAtMs, fence, acquiredAtMs
//	{prefix}:id:{lockId}       reverse index: value is the lock record's full key ({prefix}:{storageKey})
//	{prefix}:fence:{storageKey} persistent fence counter, independent of the lock record's lifetime
//
// RedisBackend carries no in-process mutable state besides its client handle
// and immutable configuration; every call is a fresh script execution.
type RedisBackend struct {
	client               *redis.Client
	keyPrefix            string
	logger               Logger
	metrics              Metrics
	opportunisticCleanup bool

	acquireScript  *redis.Script
	releaseScript  *redis.Script
	extendScript   *redis.Script
	isLockedScript *redis.Script
}

// RedisBackendOption configures a RedisBackend at construction.
type RedisBackendOption func(*RedisBackend)

// WithRedisLogger attaches a Logger. Defaults to NoOpLogger.
func WithRedisLogger(l Logger) RedisBackendOption {
	return func(b *RedisBackend) { b.logger = l }
}

// WithRedisMetrics attaches a Metrics sink. Defaults to NoOpMetrics.
func WithRedisMetrics(m Metrics) RedisBackendOption {
	return func(b *RedisBackend) { b.metrics = m }
}

// WithRedisOpportunisticCleanup enables IsLocked to delete an expired lock
// record it encounters, rather than merely reporting it as not live.
// Disabled by default: IsLocked is diagnostics-only and most callers should
// not pay for a write on a read path.
func WithRedisOpportunisticCleanup(enabled bool) RedisBackendOption {
	return func(b *RedisBackend) { b.opportunisticCleanup = enabled }
}

// NewRedisBackend builds a RedisBackend. keyPrefix namespaces every key this
// backend touches, so multiple independent lock domains can share a Redis
// instance.
func NewRedisBackend(client *redis.Client, keyPrefix string, opts ...RedisBackendOption) (*RedisBackend, error) {
	if err := ValidateKeyPrefix(keyPrefix); err != nil {
		return nil, err
	}
	b := &RedisBackend{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    &NoOpLogger{},
		metrics:   &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.acquireScript = redis.NewScript(redisAcquireScript)
	b.releaseScript = redis.NewScript(redisReleaseScript)
	b.extendScript = redis.NewScript(redisExtendScript)
	b.isLockedScript = redis.NewScript(redisIsLockedScript)
	return b, nil
}

// Capabilities reports that the scripted-store backend derives liveness
// from the Redis server's own clock and supports fencing tokens.
func (b *RedisBackend) Capabilities() Capabilities {
	return Capabilities{
		Backend:         "redis",
		SupportsFencing: true,
		TimeAuthority:   TimeAuthorityServer,
	}
}

// reverseIndexReserveBytes accounts for the ":id:"+lockID suffix a storage
// key never carries directly, but which sizes the reverse-index key built
// from the same prefix.
const reverseIndexReserveBytes = len(":id:") + 22

func (b *RedisBackend) mainKey(storageKey string) string {
	return b.keyPrefix + ":" + storageKey
}

func (b *RedisBackend) fenceKey(storageKey string) string {
	return b.keyPrefix + ":fence:" + storageKey
}

func (b *RedisBackend) idKey(lockID string) string {
	return b.keyPrefix + ":id:" + lockID
}

// Acquire takes an exclusive lease on key for ttl.
func (b *RedisBackend) Acquire(ctx context.Context, key string, ttl time.Duration) (AcquireResult, error) {
	start := time.Now()
	defer func() { b.metrics.Timing(MetricLockDuration, time.Since(start), "backend", "redis") }()

	normalized, err := NormalizeAndValidateKey(key)
	if err != nil {
		return AcquireResult{}, err
	}
	if ttl <= 0 {
		return AcquireResult{}, NewError(KindInvalidArgument, "Acquire", ErrInvalidTTL)
	}

	storageKey := MakeStorageKey("", normalized, MaxKeyLengthBytes+len(b.keyPrefix)+32, reverseIndexReserveBytes)
	lockID, err := GenerateLockID()
	if err != nil {
		return AcquireResult{}, err
	}

	res, err := b.acquireScript.Run(ctx, b.client,
		[]string{b.mainKey(storageKey), b.fenceKey(storageKey), b.idKey(lockID)},
		lockID, ttl.Milliseconds(), TimeToleranceMs, FenceMax, FenceWarn,
	).Result()
	if err != nil {
		mapped := b.mapScriptErr("Acquire", err)
		b.metrics.Increment(MetricLockFailed, "backend", "redis", "error_type", KindOf(mapped).String())
		return AcquireResult{}, mapped
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) != 4 {
		return AcquireResult{}, NewError(KindInternal, "Acquire", fmt.Errorf("malformed script result: %v", res))
	}
	status, _ := fields[0].(int64)
	if status == 0 {
		b.metrics.Increment(MetricLockContended, "backend", "redis")
		return AcquireResult{OK: false, Reason: "locked"}, nil
	}
	if status < 0 {
		b.metrics.Increment(MetricLockFailed, "backend", "redis", "error_type", "fence_overflow")
		return AcquireResult{}, NewError(KindInternal, "Acquire", ErrFenceOverflow)
	}

	expiresAtMs, _ := fields[2].(int64)
	fenceVal, _ := fields[1].(int64)
	fenceStr := FormatFence(fenceVal)
	if fenceVal >= FenceWarn {
		b.metrics.Increment(MetricFenceWarn, "backend", "redis")
		b.logger.Warn("fence counter approaching capacity", "key", storageKey, "fence", fenceVal)
	}

	b.metrics.Increment(MetricLockAcquired, "backend", "redis")
	b.metrics.Increment(MetricFenceIssued, "backend", "redis")
	return AcquireResult{
		OK:          true,
		LockID:      lockID,
		ExpiresAtMs: expiresAtMs,
		Fence:       fenceStr,
	}, nil
}

// Release deletes the lock record iff lockID matches and the lock is live.
func (b *RedisBackend) Release(ctx context.Context, lockID string) (ReleaseResult, error) {
	res, err := b.releaseScript.Run(ctx, b.client,
		[]string{b.idKey(lockID)},
		lockID, TimeToleranceMs,
	).Result()
	if err != nil {
		return ReleaseResult{}, b.mapScriptErr("Release", err)
	}

	code, _ := res.(int64)
	switch code {
	case 1:
		b.metrics.Increment(MetricReleaseSuccess, "backend", "redis")
		return ReleaseResult{OK: true}, nil
	case -2:
		b.metrics.Increment(MetricReleaseFailed, "backend", "redis", "reason", "expired")
		return ReleaseResult{OK: false, Reason: FailureReasonExpired}, nil
	default:
		b.metrics.Increment(MetricReleaseFailed, "backend", "redis", "reason", "not-found")
		return ReleaseResult{OK: false, Reason: FailureReasonNotFound}, nil
	}
}

// Extend atomically validates ownership and liveness, then replaces expiry.
func (b *RedisBackend) Extend(ctx context.Context, lockID string, ttl time.Duration) (ExtendResult, error) {
	if ttl <= 0 {
		return ExtendResult{}, NewError(KindInvalidArgument, "Extend", ErrInvalidTTL)
	}

	res, err := b.extendScript.Run(ctx, b.client,
		[]string{b.idKey(lockID)},
		lockID, ttl.Milliseconds(), TimeToleranceMs,
	).Result()
	if err != nil {
		return ExtendResult{}, b.mapScriptErr("Extend", err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) != 2 {
		return ExtendResult{}, NewError(KindInternal, "Extend", fmt.Errorf("malformed script result: %v", res))
	}
	code, _ := fields[0].(int64)
	switch code {
	case 1:
		expiresAtMs, _ := fields[1].(int64)
		b.metrics.Increment(MetricExtendSuccess, "backend", "redis")
		return ExtendResult{OK: true, ExpiresAtMs: expiresAtMs}, nil
	case -2:
		b.metrics.Increment(MetricExtendFailed, "backend", "redis", "reason", "expired")
		return ExtendResult{OK: false, Reason: FailureReasonExpired}, nil
	default:
		b.metrics.Increment(MetricExtendFailed, "backend", "redis", "reason", "not-found")
		return ExtendResult{OK: false, Reason: FailureReasonNotFound}, nil
	}
}

// IsLocked reports whether a live lock exists on key.
func (b *RedisBackend) IsLocked(ctx context.Context, key string) (bool, error) {
	normalized, err := NormalizeAndValidateKey(key)
	if err != nil {
		return false, err
	}
	storageKey := MakeStorageKey("", normalized, MaxKeyLengthBytes+len(b.keyPrefix)+32, reverseIndexReserveBytes)

	cleanup := 0
	if b.opportunisticCleanup {
		cleanup = 1
	}
	res, err := b.isLockedScript.Run(ctx, b.client, []string{b.mainKey(storageKey)}, TimeToleranceMs, cleanup, OpportunisticCleanupMarginMs).Result()
	if err != nil {
		return false, b.mapScriptErr("IsLocked", err)
	}
	live, _ := res.(int64)
	return live == 1, nil
}

// Lookup returns a sanitized snapshot of the live lock identified by ref.
// Non-atomic: issues a small number of plain Redis commands rather than a
// script, per contract this is diagnostics-only.
func (b *RedisBackend) Lookup(ctx context.Context, ref LookupRef) (*LockInfo, error) {
	var mainKey string
	if ref.LockID != "" {
		storageKey, err := b.client.Get(ctx, b.idKey(ref.LockID)).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, NewError(KindServiceUnavailable, "Lookup", err)
		}
		mainKey = storageKey
	} else {
		normalized, err := NormalizeAndValidateKey(ref.Key)
		if err != nil {
			return nil, err
		}
		storageKey := MakeStorageKey("", normalized, MaxKeyLengthBytes+len(b.keyPrefix)+32, reverseIndexReserveBytes)
		mainKey = b.mainKey(storageKey)
	}

	fields, err := b.client.HGetAll(ctx, mainKey).Result()
	if err != nil {
		return nil, NewError(KindServiceUnavailable, "Lookup", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	expiresAtMs := parseIntField(fields["expiresAtMs"])
	now := time.Now().UnixMilli()
	if !IsLive(expiresAtMs, now, TimeToleranceMs) {
		return nil, nil
	}

	return &LockInfo{
		KeyHash:      hashIdentifier(mainKey),
		LockIDHash:   hashIdentifier(fields["lockId"]),
		ExpiresAtMs:  expiresAtMs,
		AcquiredAtMs: parseIntField(fields["acquiredAtMs"]),
		Fence:        fields["fence"],
	}, nil
}

func (b *RedisBackend) mapScriptErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(KindAborted, op, err)
	}
	return NewError(KindServiceUnavailable, op, err)
}

func parseIntField(s string) int64 {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}

// redisAcquireScript implements the read-check-write sequence for Acquire.
// KEYS[1]=mainKey KEYS[2]=fenceKey KEYS[3]=idKey
// ARGV[1]=lockId ARGV[2]=ttlMs ARGV[3]=toleranceMs ARGV[4]=fenceMax ARGV[5]=fenceWarn
// Returns {status, fence, expiresAtMs, unused}: status 1=ok 0=locked -1=fence-overflow.
const redisAcquireScript = `
local main = KEYS[1]
local fenceKey = KEYS[2]
local idKey = KEYS[3]
local lockId = ARGV[1]
local ttlMs = tonumber(ARGV[2])
local toleranceMs = tonumber(ARGV[3])
local fenceMax = tonumber(ARGV[4])
local fenceWarn = tonumber(ARGV[5])

local t = redis.call("TIME")
local nowMs = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local existingExpiry = redis.call("HGET", main, "expiresAtMs")
if existingExpiry and tonumber(existingExpiry) > (nowMs - toleranceMs) then
	return {0, 0, 0, ""}
end

local prevFence = tonumber(redis.call("GET", fenceKey) or "0")
local nextFence = prevFence + 1
if nextFence >= fenceMax then
	return {-1, 0, 0, ""}
end

local expiresAtMs = nowMs + ttlMs
redis.call("HSET", main, "lockId", lockId, "expiresAtMs", expiresAtMs, "fence", nextFence, "acquiredAtMs", nowMs)
redis.call("PEXPIRE", main, ttlMs)
redis.call("SET", fenceKey, nextFence)
redis.call("SET", idKey, main)
redis.call("PEXPIRE", idKey, ttlMs)

return {1, nextFence, expiresAtMs, ""}
`

// redisReleaseScript dereferences the reverse index, verifies ownership and
// liveness, and deletes both keys. KEYS[1]=idKey ARGV[1]=lockId
// ARGV[2]=toleranceMs.
// Returns 1=success 0=ownership-mismatch -1=never-existed -2=expired.
const redisReleaseScript = `
local idKey = KEYS[1]
local lockId = ARGV[1]
local toleranceMs = tonumber(ARGV[2])

local main = redis.call("GET", idKey)
if not main then
	return -1
end

local storedId = redis.call("HGET", main, "lockId")
if not storedId then
	return -1
end
if storedId ~= lockId then
	return 0
end

local t = redis.call("TIME")
local nowMs = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local expiresAtMs = tonumber(redis.call("HGET", main, "expiresAtMs"))

redis.call("DEL", main)
redis.call("DEL", idKey)

if expiresAtMs <= (nowMs - toleranceMs) then
	return -2
end
return 1
`

// redisExtendScript verifies ownership and liveness, then replaces expiry.
// KEYS[1]=idKey ARGV[1]=lockId ARGV[2]=ttlMs ARGV[3]=toleranceMs.
// Returns {code, expiresAtMs}: code 1=success 0=ownership-mismatch
// -1=never-existed -2=expired.
const redisExtendScript = `
local idKey = KEYS[1]
local lockId = ARGV[1]
local ttlMs = tonumber(ARGV[2])
local toleranceMs = tonumber(ARGV[3])

local main = redis.call("GET", idKey)
if not main then
	return {-1, 0}
end

local storedId = redis.call("HGET", main, "lockId")
if not storedId then
	return {-1, 0}
end
if storedId ~= lockId then
	return {0, 0}
end

local t = redis.call("TIME")
local nowMs = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local expiresAtMs = tonumber(redis.call("HGET", main, "expiresAtMs"))

if expiresAtMs <= (nowMs - toleranceMs) then
	redis.call("DEL", main)
	redis.call("DEL", idKey)
	return {-2, 0}
end

local newExpiresAtMs = nowMs + ttlMs
redis.call("HSET", main, "expiresAtMs", newExpiresAtMs)
redis.call("PEXPIRE", main, ttlMs)
redis.call("PEXPIRE", idKey, ttlMs)
return {1, newExpiresAtMs}
`

// redisIsLockedScript reports liveness without mutating state, unless
// cleanup is enabled: KEYS[1]=mainKey ARGV[1]=toleranceMs ARGV[2]=cleanup
// (0/1) ARGV[3]=cleanupMarginMs. Returns 1 if live, 0 otherwise. When
// cleanup is 1, an expired record past toleranceMs+cleanupMarginMs is
// deleted before returning, so a lock that has not been extended in a
// while does not accumulate forever.
const redisIsLockedScript = `
local main = KEYS[1]
local toleranceMs = tonumber(ARGV[1])
local cleanup = tonumber(ARGV[2])
local cleanupMarginMs = tonumber(ARGV[3])

local expiresAtMs = redis.call("HGET", main, "expiresAtMs")
if not expiresAtMs then
	return 0
end

local t = redis.call("TIME")
local nowMs = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
if tonumber(expiresAtMs) > (nowMs - toleranceMs) then
	return 1
end

if cleanup == 1 and tonumber(expiresAtMs) <= (nowMs - toleranceMs - cleanupMarginMs) then
	redis.call("DEL", main)
end
return 0
`
