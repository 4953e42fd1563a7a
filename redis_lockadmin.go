package synclock

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLockSummary describes one live lock record discovered by RedisLockAdmin.
type RedisLockSummary struct {
	StorageKey   string
	LockID       string
	ExpiresAtMs  int64
	AcquiredAtMs int64
	Fence        string
}

// RedisLockAdmin provides out-of-band administrative operations against the
// key layout RedisBackend writes: listing live locks, cleaning up orphans
// left behind by a crashed holder, and forcing a stuck lock's release.
// These operations are diagnostic and destructive respectively — they do
// not go through the atomic Acquire/Release/Extend scripts and should not
// be on the hot path of normal lock usage.
type RedisLockAdmin struct {
	redis     *redis.Client
	keyPrefix string
	logger    Logger
	metrics   Metrics
}

// NewRedisLockAdmin creates an admin handle for the given key prefix. logger
// and metrics default to no-ops when nil.
func NewRedisLockAdmin(redis *redis.Client, keyPrefix string, logger Logger, metrics Metrics) *RedisLockAdmin {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &RedisLockAdmin{redis: redis, keyPrefix: keyPrefix, logger: logger, metrics: metrics}
}

// ListLocks scans the key space for every live lock record under keyPrefix.
// Expired records still physically present (PEXPIRE has not fired yet) are
// excluded.
//
// Example:
//
//	locks, err := admin.ListLocks(ctx)
//	for _, lock := range locks {
//	    fmt.Printf("lock on %s, fence %s, expires %d\n", lock.StorageKey, lock.Fence, lock.ExpiresAtMs)
//	}
func (a *RedisLockAdmin) ListLocks(ctx context.Context) ([]RedisLockSummary, error) {
	pattern := a.keyPrefix + ":*"

	var summaries []RedisLockSummary
	var cursor uint64
	for {
		keys, next, err := a.redis.Scan(ctx, cursor, pattern, int64(DefaultListLocksPageSize)).Result()
		if err != nil {
			return nil, NewError(KindServiceUnavailable, "ListLocks", err)
		}

		for _, key := range keys {
			if a.isReverseIndexKey(key) || a.isFenceKey(key) {
				continue
			}

			fields, err := a.redis.HGetAll(ctx, key).Result()
			if err != nil {
				a.logger.Warn("failed to read lock record", "key", key, "error", err)
				continue
			}
			if len(fields) == 0 {
				continue
			}

			expiresAtMs := parseIntField(fields["expiresAtMs"])
			if !IsLive(expiresAtMs, time.Now().UnixMilli(), TimeToleranceMs) {
				continue
			}

			summaries = append(summaries, RedisLockSummary{
				StorageKey:   strings.TrimPrefix(key, a.keyPrefix+":"),
				LockID:       fields["lockId"],
				ExpiresAtMs:  expiresAtMs,
				AcquiredAtMs: parseIntField(fields["acquiredAtMs"]),
				Fence:        fields["fence"],
			})
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	a.metrics.Gauge(MetricBackendOps, float64(len(summaries)), "operation", "list_locks", "backend", "redis")
	return summaries, nil
}

// CleanupOrphanedLocks force-releases every live lock acquired more than
// minAge ago, returning the count removed. A lock acquired recently is
// assumed to still have a legitimate holder and is left alone.
//
// Orphaned locks arise when a holder crashes, is network-partitioned, or is
// killed before it releases — PEXPIRE eventually reclaims the key space,
// but an operator may want to reclaim the logical resource sooner.
func (a *RedisLockAdmin) CleanupOrphanedLocks(ctx context.Context, minAge time.Duration) (int, error) {
	locks, err := a.ListLocks(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMilli()
	removed := 0
	for _, lock := range locks {
		age := time.Duration(now-lock.AcquiredAtMs) * time.Millisecond
		if age < minAge {
			continue
		}

		res, err := a.ForceRelease(ctx, lock.StorageKey)
		if err != nil {
			a.logger.Warn("failed to force-release orphaned lock", "key", lock.StorageKey, "error", err)
			continue
		}
		if res {
			removed++
			a.logger.Info("removed orphaned lock", "key", lock.StorageKey, "age", age, "fence", lock.Fence)
		}
	}

	if removed > 0 {
		a.metrics.Increment(MetricBackendOps, "operation", "cleanup_orphaned", "backend", "redis")
	}
	return removed, nil
}

// ForceRelease deletes a lock record and its reverse index unconditionally,
// bypassing the ownership check Release normally enforces. Use only when
// certain the holder has crashed — this does not single-flight against a
// concurrent legitimate Release and can race it.
func (a *RedisLockAdmin) ForceRelease(ctx context.Context, storageKey string) (bool, error) {
	mainKey := a.keyPrefix + ":" + storageKey

	lockID, err := a.redis.HGet(ctx, mainKey, "lockId").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, NewError(KindServiceUnavailable, "ForceRelease", err)
	}

	pipe := a.redis.TxPipeline()
	pipe.Del(ctx, mainKey)
	if lockID != "" {
		pipe.Del(ctx, a.keyPrefix+":id:"+lockID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, NewError(KindServiceUnavailable, "ForceRelease", err)
	}

	a.metrics.Increment(MetricBackendOps, "operation", "force_release", "backend", "redis")
	return true, nil
}

// GetLockInfo returns the live lock record for storageKey, or nil if none
// exists or it has expired.
func (a *RedisLockAdmin) GetLockInfo(ctx context.Context, storageKey string) (*RedisLockSummary, error) {
	mainKey := a.keyPrefix + ":" + storageKey

	fields, err := a.redis.HGetAll(ctx, mainKey).Result()
	if err != nil {
		return nil, NewError(KindServiceUnavailable, "GetLockInfo", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	expiresAtMs := parseIntField(fields["expiresAtMs"])
	if !IsLive(expiresAtMs, time.Now().UnixMilli(), TimeToleranceMs) {
		return nil, nil
	}

	return &RedisLockSummary{
		StorageKey:   storageKey,
		LockID:       fields["lockId"],
		ExpiresAtMs:  expiresAtMs,
		AcquiredAtMs: parseIntField(fields["acquiredAtMs"]),
		Fence:        fields["fence"],
	}, nil
}

func (a *RedisLockAdmin) isReverseIndexKey(key string) bool {
	return strings.HasPrefix(key, a.keyPrefix+":id:")
}

func (a *RedisLockAdmin) isFenceKey(key string) bool {
	return strings.HasPrefix(key, a.keyPrefix+":fence:")
}
