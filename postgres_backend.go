package synclock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchemaTemplate creates the two tables the relational backend
// needs: the locks table (primary key on the caller's key, unique
// secondary index on lockId so Release/Extend can look up by lockId with
// FOR UPDATE, non-unique index on expires_at_ms for sweep-style queries,
// and user_key carrying the raw caller-supplied key verbatim for
// debugging alongside the normalized primary key) and the fence-counter
// table (one persistent row per key, independent lifetime from the lock
// record it serves, mirroring the scripted-store backend's separate
// fence key; key_debug mirrors user_key for the same reason).
const postgresSchemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	key            TEXT PRIMARY KEY,
	lock_id        TEXT NOT NULL,
	expires_at_ms  BIGINT NOT NULL,
	acquired_at_ms BIGINT NOT NULL,
	fence          BIGINT NOT NULL,
	user_key       TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_lock_id_idx ON %[1]s (lock_id);
CREATE INDEX IF NOT EXISTS %[1]s_expires_at_ms_idx ON %[1]s (expires_at_ms);
CREATE TABLE IF NOT EXISTS %[2]s (
	fence_key TEXT PRIMARY KEY,
	fence     BIGINT NOT NULL,
	key_debug TEXT NOT NULL
);
`

// PostgresBackend is a LockBackend backed by a PostgreSQL table pair,
// accessed through a pgxpool.Pool. Acquire/Release/Extend each run inside
// one transaction; liveness and new expiry values are derived from the
// server's own clock (SELECT EXTRACT(EPOCH FROM NOW())) read inside that
// same transaction, so the database is the sole time authority.
//
// locksTable/fenceTable are validated once at construction (ValidateTableNames)
// and from then on interpolated directly into this backend's SQL text: pgx
// has no bind-parameter syntax for identifiers, so the constructor-time
// identifier check is what keeps that interpolation safe.
type PostgresBackend struct {
	pool                 *pgxpool.Pool
	logger               Logger
	metrics              Metrics
	locksTable           string
	fenceTable           string
	opportunisticCleanup bool

	schemaSQL        string
	selectLockSQL    string
	selectFenceSQL   string
	upsertLockSQL    string
	upsertFenceSQL   string
	releaseSelectSQL string
	releaseDeleteSQL string
	extendSelectSQL  string
	extendUpdateSQL  string
	isLockedSQL      string
	cleanupSQL       string
	lookupByIDSQL    string
	lookupByKeySQL   string
}

// PostgresBackendOption configures a PostgresBackend at construction time.
type PostgresBackendOption func(*PostgresBackend)

// WithPostgresLogger overrides the backend's logger (default: NoOpLogger).
func WithPostgresLogger(l Logger) PostgresBackendOption {
	return func(b *PostgresBackend) { b.logger = l }
}

// WithPostgresMetrics overrides the backend's metrics sink (default: NoOpMetrics).
func WithPostgresMetrics(m Metrics) PostgresBackendOption {
	return func(b *PostgresBackend) { b.metrics = m }
}

// WithPostgresTableNames overrides the default synclock_locks/
// synclock_fence_counters table names, letting multiple independent lock
// domains share a database via distinct table pairs.
func WithPostgresTableNames(locksTable, fenceTable string) PostgresBackendOption {
	return func(b *PostgresBackend) {
		b.locksTable = locksTable
		b.fenceTable = fenceTable
	}
}

// WithPostgresOpportunisticCleanup enables IsLocked to delete an expired
// lock record it encounters, rather than merely reporting it as not live.
// Disabled by default: IsLocked is diagnostics-only and most callers should
// not pay for a write on a read path.
func WithPostgresOpportunisticCleanup(enabled bool) PostgresBackendOption {
	return func(b *PostgresBackend) { b.opportunisticCleanup = enabled }
}

// NewPostgresBackend wraps an existing pool. Callers own the pool's
// lifecycle (Close it themselves) since it may be shared with other
// components.
func NewPostgresBackend(pool *pgxpool.Pool, opts ...PostgresBackendOption) (*PostgresBackend, error) {
	b := &PostgresBackend{
		pool:       pool,
		logger:     &NoOpLogger{},
		metrics:    &NoOpMetrics{},
		locksTable: DefaultLocksTable,
		fenceTable: DefaultFenceTable,
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := ValidateTableNames(b.locksTable, b.fenceTable); err != nil {
		return nil, err
	}
	b.prepareSQL()
	return b, nil
}

// prepareSQL interpolates the (already-validated) table names into this
// backend's query templates once, so the hot path never calls fmt.Sprintf.
func (b *PostgresBackend) prepareSQL() {
	b.schemaSQL = fmt.Sprintf(postgresSchemaTemplate, b.locksTable, b.fenceTable)
	b.selectLockSQL = fmt.Sprintf(`SELECT expires_at_ms FROM %s WHERE key = $1`, b.locksTable)
	b.selectFenceSQL = fmt.Sprintf(`SELECT fence FROM %s WHERE fence_key = $1`, b.fenceTable)
	b.upsertLockSQL = fmt.Sprintf(`
		INSERT INTO %s (key, lock_id, expires_at_ms, acquired_at_ms, fence, user_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			lock_id = EXCLUDED.lock_id,
			expires_at_ms = EXCLUDED.expires_at_ms,
			acquired_at_ms = EXCLUDED.acquired_at_ms,
			fence = EXCLUDED.fence,
			user_key = EXCLUDED.user_key
	`, b.locksTable)
	b.upsertFenceSQL = fmt.Sprintf(`
		INSERT INTO %s (fence_key, fence, key_debug) VALUES ($1, $2, $3)
		ON CONFLICT (fence_key) DO UPDATE SET fence = EXCLUDED.fence, key_debug = EXCLUDED.key_debug
	`, b.fenceTable)
	b.releaseSelectSQL = fmt.Sprintf(`SELECT key, expires_at_ms FROM %s WHERE lock_id = $1 FOR UPDATE`, b.locksTable)
	b.releaseDeleteSQL = fmt.Sprintf(`DELETE FROM %s WHERE lock_id = $1`, b.locksTable)
	b.extendSelectSQL = fmt.Sprintf(`SELECT key, expires_at_ms FROM %s WHERE lock_id = $1 FOR UPDATE`, b.locksTable)
	b.extendUpdateSQL = fmt.Sprintf(`UPDATE %s SET expires_at_ms = $1 WHERE lock_id = $2`, b.locksTable)
	b.isLockedSQL = fmt.Sprintf(`SELECT expires_at_ms FROM %s WHERE key = $1`, b.locksTable)
	b.cleanupSQL = fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND expires_at_ms = $2`, b.locksTable)
	b.lookupByIDSQL = fmt.Sprintf(`SELECT key, lock_id, expires_at_ms, acquired_at_ms, fence FROM %s WHERE lock_id = $1`, b.locksTable)
	b.lookupByKeySQL = fmt.Sprintf(`SELECT key, lock_id, expires_at_ms, acquired_at_ms, fence FROM %s WHERE key = $1`, b.locksTable)
}

// EnsureSchema creates the backend's tables if they do not already exist.
// Safe to call on every process start; it does not run on the hot path.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, b.schemaSQL); err != nil {
		return b.mapErr("EnsureSchema", err)
	}
	return nil
}

// Capabilities describes this backend's static behavior.
func (b *PostgresBackend) Capabilities() Capabilities {
	return Capabilities{
		Backend:         "postgres",
		SupportsFencing: true,
		TimeAuthority:   TimeAuthorityServer,
	}
}

func serverNowMs(ctx context.Context, tx pgx.Tx) (int64, error) {
	var epochSeconds float64
	if err := tx.QueryRow(ctx, "SELECT EXTRACT(EPOCH FROM NOW())").Scan(&epochSeconds); err != nil {
		return 0, err
	}
	return int64(epochSeconds * 1000), nil
}

// Acquire implements LockBackend.
func (b *PostgresBackend) Acquire(ctx context.Context, key string, ttl time.Duration) (AcquireResult, error) {
	start := time.Now()
	defer func() { b.metrics.Timing(MetricLockDuration, time.Since(start), "backend", "postgres") }()

	normalized, err := NormalizeAndValidateKey(key)
	if err != nil {
		return AcquireResult{}, err
	}
	if ttl <= 0 {
		return AcquireResult{}, NewError(KindInvalidArgument, "Acquire", ErrInvalidTTL)
	}
	storageKey := MakeStorageKey("", normalized, MaxKeyLengthBytes, 0)

	lockID, err := GenerateLockID()
	if err != nil {
		return AcquireResult{}, err
	}

	var result AcquireResult
	err = b.withTx(ctx, func(tx pgx.Tx) error {
		nowMs, err := serverNowMs(ctx, tx)
		if err != nil {
			return err
		}

		var existingExpiry int64
		err = tx.QueryRow(ctx, b.selectLockSQL, storageKey).Scan(&existingExpiry)
		switch {
		case err == nil:
			if IsLive(existingExpiry, nowMs, TimeToleranceMs) {
				result = AcquireResult{OK: false, Reason: "locked"}
				return nil
			}
		case errors.Is(err, pgx.ErrNoRows):
			// no existing row, fall through to insert
		default:
			return err
		}

		var prevFence int64
		err = tx.QueryRow(ctx, b.selectFenceSQL, storageKey).Scan(&prevFence)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		nextFence, warned, err := NextFence(prevFence)
		if err != nil {
			return err
		}

		expiresAtMs := nowMs + ttl.Milliseconds()

		if _, err := tx.Exec(ctx, b.upsertLockSQL, storageKey, lockID, expiresAtMs, nowMs, nextFence, key); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, b.upsertFenceSQL, storageKey, nextFence, key); err != nil {
			return err
		}

		if warned {
			b.logger.Warn("fence approaching overflow", "key", storageKey, "fence", nextFence)
			b.metrics.Increment(MetricFenceWarn, "backend", "postgres")
		}

		result = AcquireResult{
			OK:          true,
			LockID:      lockID,
			ExpiresAtMs: expiresAtMs,
			Fence:       FormatFence(nextFence),
		}
		return nil
	})
	if err != nil {
		mapped := b.mapErr("Acquire", err)
		errorType := KindOf(mapped).String()
		if errors.Is(err, ErrFenceOverflow) {
			errorType = "fence_overflow"
		}
		b.metrics.Increment(MetricLockFailed, "backend", "postgres", "error_type", errorType)
		return AcquireResult{}, mapped
	}

	if result.OK {
		b.metrics.Increment(MetricLockAcquired, "backend", "postgres")
		b.metrics.Increment(MetricFenceIssued, "backend", "postgres")
	} else {
		b.metrics.Increment(MetricLockContended, "backend", "postgres")
	}
	return result, nil
}

// Release implements LockBackend.
func (b *PostgresBackend) Release(ctx context.Context, lockID string) (ReleaseResult, error) {
	var result ReleaseResult
	err := b.withTx(ctx, func(tx pgx.Tx) error {
		var storageKey string
		var expiresAtMs int64
		err := tx.QueryRow(ctx, b.releaseSelectSQL, lockID).Scan(&storageKey, &expiresAtMs)
		if errors.Is(err, pgx.ErrNoRows) {
			result = ReleaseResult{OK: false, Reason: FailureReasonNotFound}
			return nil
		}
		if err != nil {
			return err
		}

		nowMs, err := serverNowMs(ctx, tx)
		if err != nil {
			return err
		}
		if !IsLive(expiresAtMs, nowMs, TimeToleranceMs) {
			result = ReleaseResult{OK: false, Reason: FailureReasonExpired}
			return nil
		}

		if _, err := tx.Exec(ctx, b.releaseDeleteSQL, lockID); err != nil {
			return err
		}
		result = ReleaseResult{OK: true}
		return nil
	})
	if err != nil {
		b.metrics.Increment(MetricReleaseFailed, "backend", "postgres", "reason", "error")
		return ReleaseResult{}, b.mapErr("Release", err)
	}

	if result.OK {
		b.metrics.Increment(MetricReleaseSuccess, "backend", "postgres")
	} else {
		b.metrics.Increment(MetricReleaseFailed, "backend", "postgres", "reason", string(result.Reason))
	}
	return result, nil
}

// Extend implements LockBackend.
func (b *PostgresBackend) Extend(ctx context.Context, lockID string, ttl time.Duration) (ExtendResult, error) {
	if ttl <= 0 {
		return ExtendResult{}, NewError(KindInvalidArgument, "Extend", ErrInvalidTTL)
	}

	var result ExtendResult
	err := b.withTx(ctx, func(tx pgx.Tx) error {
		var storageKey string
		var expiresAtMs int64
		err := tx.QueryRow(ctx, b.extendSelectSQL, lockID).Scan(&storageKey, &expiresAtMs)
		if errors.Is(err, pgx.ErrNoRows) {
			result = ExtendResult{OK: false, Reason: FailureReasonNotFound}
			return nil
		}
		if err != nil {
			return err
		}

		nowMs, err := serverNowMs(ctx, tx)
		if err != nil {
			return err
		}
		if !IsLive(expiresAtMs, nowMs, TimeToleranceMs) {
			result = ExtendResult{OK: false, Reason: FailureReasonExpired}
			return nil
		}

		newExpiresAtMs := nowMs + ttl.Milliseconds()
		if _, err := tx.Exec(ctx, b.extendUpdateSQL, newExpiresAtMs, lockID); err != nil {
			return err
		}
		result = ExtendResult{OK: true, ExpiresAtMs: newExpiresAtMs}
		return nil
	})
	if err != nil {
		b.metrics.Increment(MetricExtendFailed, "backend", "postgres", "reason", "error")
		return ExtendResult{}, b.mapErr("Extend", err)
	}

	if result.OK {
		b.metrics.Increment(MetricExtendSuccess, "backend", "postgres")
	} else {
		b.metrics.Increment(MetricExtendFailed, "backend", "postgres", "reason", string(result.Reason))
	}
	return result, nil
}

// IsLocked implements LockBackend.
func (b *PostgresBackend) IsLocked(ctx context.Context, key string) (bool, error) {
	normalized, err := NormalizeAndValidateKey(key)
	if err != nil {
		return false, err
	}
	storageKey := MakeStorageKey("", normalized, MaxKeyLengthBytes, 0)

	var expiresAtMs int64
	err = b.pool.QueryRow(ctx, b.isLockedSQL, storageKey).Scan(&expiresAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, b.mapErr("IsLocked", err)
	}

	var epochMs float64
	if err := b.pool.QueryRow(ctx, "SELECT EXTRACT(EPOCH FROM NOW()) * 1000").Scan(&epochMs); err != nil {
		return false, b.mapErr("IsLocked", err)
	}
	nowMs := int64(epochMs)

	if IsLive(expiresAtMs, nowMs, TimeToleranceMs) {
		return true, nil
	}

	if b.opportunisticCleanup && expiresAtMs <= nowMs-TimeToleranceMs-OpportunisticCleanupMarginMs {
		if _, err := b.pool.Exec(ctx, b.cleanupSQL, storageKey, expiresAtMs); err != nil {
			b.logger.Warn("opportunistic cleanup failed", "key", storageKey, "error", err)
		}
	}
	return false, nil
}

// Lookup implements LockBackend. Non-atomic diagnostic read, per contract.
func (b *PostgresBackend) Lookup(ctx context.Context, ref LookupRef) (*LockInfo, error) {
	var row pgx.Row
	if ref.LockID != "" {
		row = b.pool.QueryRow(ctx, b.lookupByIDSQL, ref.LockID)
	} else {
		normalized, err := NormalizeAndValidateKey(ref.Key)
		if err != nil {
			return nil, err
		}
		storageKey := MakeStorageKey("", normalized, MaxKeyLengthBytes, 0)
		row = b.pool.QueryRow(ctx, b.lookupByKeySQL, storageKey)
	}

	var storageKey, lockID string
	var expiresAtMs, acquiredAtMs, fence int64
	err := row.Scan(&storageKey, &lockID, &expiresAtMs, &acquiredAtMs, &fence)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, b.mapErr("Lookup", err)
	}

	if !IsLive(expiresAtMs, time.Now().UnixMilli(), TimeToleranceMs) {
		return nil, nil
	}

	return &LockInfo{
		KeyHash:      hashIdentifier(storageKey),
		LockIDHash:   hashIdentifier(lockID),
		ExpiresAtMs:  expiresAtMs,
		AcquiredAtMs: acquiredAtMs,
		Fence:        FormatFence(fence),
	}, nil
}

const maxTransactionRetries = 3

// withTx runs fn inside a transaction, retrying on serialization failures
// and deadlocks (Postgres error codes 40001/40P01), committing on success
// and rolling back on any error.
func (b *PostgresBackend) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTransactionRetries; attempt++ {
		tx, err := b.pool.Begin(ctx)
		if err != nil {
			return err
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			if isRetryablePostgresErr(err) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			if isRetryablePostgresErr(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func isRetryablePostgresErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40P01", "40001":
			return true
		}
	}
	return false
}

// mapErr translates a pgx/pgconn error into the shared error kind taxonomy
// and wraps it with the failing operation's name. Classification is
// string/code based, per spec.md's error-mapping note: native driver errors
// carry human-readable codes, not a stable Go type hierarchy worth building
// a parallel taxonomy for.
func (b *PostgresBackend) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(KindAborted, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01":
			return NewError(KindAuthFailed, op, err)
		case "57014":
			return NewError(KindAborted, op, err)
		case "53300", "53400":
			return NewError(KindRateLimited, op, err)
		case "22001", "22P02", "23502", "23514":
			return NewError(KindInvalidArgument, op, err)
		case "08000", "08003", "08006", "08001", "08004":
			return NewError(KindServiceUnavailable, op, err)
		}
	}
	return NewError(KindServiceUnavailable, op, err)
}
