// Package synclock provides distributed mutual exclusion across multiple
// processes via pluggable storage backends: Redis (server-side scripting),
// PostgreSQL (row locks inside transactions), and Firestore (transactional
// read-then-write). It issues time-bounded exclusive leases on named
// resources, identifies lease holders with unforgeable lock IDs, and emits
// monotonic fencing tokens that downstream systems can use to reject writes
// from stale leaseholders.
//
// # Overview
//
// Every backend implements the same LockBackend contract:
//
//	Acquire(ctx, key, ttl)   -> AcquireResult
//	Release(ctx, lockID)     -> ReleaseResult
//	Extend(ctx, lockID, ttl) -> ExtendResult
//	IsLocked(ctx, key)       -> bool
//	Lookup(ctx, ref)         -> *LockInfo
//
// A backend is stateless between calls: every operation is a single atomic
// store interaction (one Lua script execution for Redis, one transaction
// for Postgres and Firestore). There is no cross-backend coordination and
// no in-process shared mutable state.
//
// # Quick start
//
//	redisClient := redis.NewClient(synclock.RedisOptions())
//	backend, err := synclock.NewRedisBackend(redisClient, "myapp")
//	if err != nil {
//	    return err
//	}
//	ctx := context.Background()
//
//	res, err := backend.Acquire(ctx, "orders/42", 30*time.Second)
//	if err != nil {
//	    return err
//	}
//	if !res.OK {
//	    return fmt.Errorf("lock held: %s", res.Reason)
//	}
//	defer backend.Release(ctx, res.LockID)
//
//	// fence res.Fence can be attached to any write so downstream systems
//	// can reject writes from a stale, since-expired holder.
//
// # Production setup
//
// Wrap any backend with retry, telemetry, and disposal helpers — these are
// deliberately layered outside the core contract so the contract itself
// stays free of policy decisions:
//
//	logger, _ := synclock.NewProductionZapLogger()
//	metrics := synclock.NewPrometheusMetrics(nil)
//	backend := synclock.NewTelemetryBackend(rawBackend, logger, metrics, false)
//
//	res, err := synclock.AcquireWithRetry(ctx, backend, "orders/42", 30*time.Second, synclock.DefaultRetryConfig(), nil)
//	lease := synclock.NewLease(backend, "orders/42", res.LockID)
//	defer lease.Close()
package synclock
