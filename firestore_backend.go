package synclock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestoreLockDoc is the on-the-wire shape of a lock record document.
type firestoreLockDoc struct {
	LockID       string `firestore:"lockId"`
	ExpiresAtMs  int64  `firestore:"expiresAtMs"`
	AcquiredAtMs int64  `firestore:"acquiredAtMs"`
	Fence        int64  `firestore:"fence"`
}

// firestoreFenceDoc is the persistent, lock-record-independent fence
// counter, mirroring the scripted-store backend's separate fence key and
// the relational backend's separate fence table.
type firestoreFenceDoc struct {
	Fence int64 `firestore:"fence"`
}

// FirestoreBackend is a LockBackend backed by a Firestore collection.
// Firestore offers no server-side clock read, so the client's own clock,
// captured once per transaction callback, is the time authority —
// Capabilities().TimeAuthority reports "client" accordingly.
type FirestoreBackend struct {
	client               *firestore.Client
	collection           string
	logger               Logger
	metrics              Metrics
	opportunisticCleanup bool
}

// FirestoreBackendOption configures a FirestoreBackend at construction time.
type FirestoreBackendOption func(*FirestoreBackend)

// WithFirestoreLogger overrides the backend's logger (default: NoOpLogger).
func WithFirestoreLogger(l Logger) FirestoreBackendOption {
	return func(b *FirestoreBackend) { b.logger = l }
}

// WithFirestoreMetrics overrides the backend's metrics sink (default: NoOpMetrics).
func WithFirestoreMetrics(m Metrics) FirestoreBackendOption {
	return func(b *FirestoreBackend) { b.metrics = m }
}

// WithFirestoreOpportunisticCleanup enables IsLocked to delete an expired
// lock document it encounters, rather than merely reporting it as not
// live. Disabled by default: IsLocked is diagnostics-only and most callers
// should not pay for a write on a read path.
func WithFirestoreOpportunisticCleanup(enabled bool) FirestoreBackendOption {
	return func(b *FirestoreBackend) { b.opportunisticCleanup = enabled }
}

// NewFirestoreBackend creates a Firestore client for cfg.ProjectID and
// wraps it in a FirestoreBackend scoped to cfg.Collection. Uses Application
// Default Credentials unless cfg.CredentialsFile is set.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig, opts ...FirestoreBackendOption) (*FirestoreBackend, error) {
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, NewError(KindServiceUnavailable, "NewFirestoreBackend", fmt.Errorf("failed to create firestore client: %w", err))
	}

	b := &FirestoreBackend{
		client:     client,
		collection: cfg.Collection,
		logger:     &NoOpLogger{},
		metrics:    &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Close releases the underlying Firestore client.
func (b *FirestoreBackend) Close() error {
	return b.client.Close()
}

// Capabilities describes this backend's static behavior.
func (b *FirestoreBackend) Capabilities() Capabilities {
	return Capabilities{
		Backend:         "firestore",
		SupportsFencing: true,
		TimeAuthority:   TimeAuthorityClient,
	}
}

func (b *FirestoreBackend) lockRef(storageKey string) *firestore.DocumentRef {
	return b.client.Collection(b.collection).Doc(storageKey)
}

func (b *FirestoreBackend) fenceRef(storageKey string) *firestore.DocumentRef {
	return b.client.Collection(b.collection + "_fences").Doc(storageKey)
}

// errCanceledNotRetryable marks a cancellation observed inside a
// transaction callback. RunTransaction only retries errors carrying the
// gRPC Aborted code; returning this plain sentinel error here (never wrapped
// as Aborted) guarantees the retry loop treats it as fatal instead of
// looping on a caller that has already given up.
var errCanceledNotRetryable = errors.New("synclock: transaction aborted by context cancellation")

// Acquire implements LockBackend.
func (b *FirestoreBackend) Acquire(ctx context.Context, key string, ttl time.Duration) (AcquireResult, error) {
	start := time.Now()
	defer func() { b.metrics.Timing(MetricLockDuration, time.Since(start), "backend", "firestore") }()

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
	err = b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if ctx.Err() != nil {
			return errCanceledNotRetryable
		}
		nowMs := time.Now().UnixMilli()

		lockRef := b.lockRef(storageKey)
		fenceRef := b.fenceRef(storageKey)

		var existing firestoreLockDoc
		existingSnap, err := tx.Get(lockRef)
		existingFound := err == nil
		if existingFound {
			if err := existingSnap.DataTo(&existing); err != nil {
				return err
			}
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		var fenceDoc firestoreFenceDoc
		fenceSnap, err := tx.Get(fenceRef)
		if err == nil {
			if err := fenceSnap.DataTo(&fenceDoc); err != nil {
				return err
			}
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		if existingFound && IsLive(existing.ExpiresAtMs, nowMs, TimeToleranceMs) {
			result = AcquireResult{OK: false, Reason: "locked"}
			return nil
		}

		nextFence, warned, err := NextFence(fenceDoc.Fence)
		if err != nil {
			return err
		}

		expiresAtMs := nowMs + ttl.Milliseconds()
		if err := tx.Set(lockRef, firestoreLockDoc{
			LockID:       lockID,
			ExpiresAtMs:  expiresAtMs,
			AcquiredAtMs: nowMs,
			Fence:        nextFence,
		}); err != nil {
			return err
		}
		if err := tx.Set(fenceRef, firestoreFenceDoc{Fence: nextFence}); err != nil {
			return err
		}

		if warned {
			b.logger.Warn("fence approaching overflow", "key", storageKey, "fence", nextFence)
			b.metrics.Increment(MetricFenceWarn, "backend", "firestore")
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
		b.metrics.Increment(MetricLockFailed, "backend", "firestore", "error_type", errorType)
		return AcquireResult{}, mapped
	}

	if result.OK {
		b.metrics.Increment(MetricLockAcquired, "backend", "firestore")
		b.metrics.Increment(MetricFenceIssued, "backend", "firestore")
	} else {
		b.metrics.Increment(MetricLockContended, "backend", "firestore")
	}
	return result, nil
}

// findByLockID runs the unlimited "where lockId ==" read Release/Extend need
// to dereference a lockID back to its storage key, detecting any
// pathological duplicate live holders along the way. Must be called before
// any write inside the enclosing transaction.
func (b *FirestoreBackend) findByLockID(ctx context.Context, tx *firestore.Transaction, lockID string, nowMs int64) (liveRef *firestore.DocumentRef, liveDoc firestoreLockDoc, expiredRefs []*firestore.DocumentRef, ambiguous bool, err error) {
	query := b.client.Collection(b.collection).Where("lockId", "==", lockID)
	iter := tx.Documents(query)
	defer iter.Stop()

	var liveRefs []*firestore.DocumentRef
	var liveDocs []firestoreLockDoc
	for {
		snap, iterErr := iter.Next()
		if iterErr != nil {
			if iterErr == iterator.Done {
				break
			}
			return nil, firestoreLockDoc{}, nil, false, iterErr
		}
		var doc firestoreLockDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, firestoreLockDoc{}, nil, false, err
		}
		if IsLive(doc.ExpiresAtMs, nowMs, TimeToleranceMs) {
			liveRefs = append(liveRefs, snap.Ref)
			liveDocs = append(liveDocs, doc)
		} else {
			expiredRefs = append(expiredRefs, snap.Ref)
		}
	}

	if len(liveRefs) > 1 {
		return nil, firestoreLockDoc{}, expiredRefs, true, nil
	}
	if len(liveRefs) == 1 {
		return liveRefs[0], liveDocs[0], expiredRefs, false, nil
	}
	return nil, firestoreLockDoc{}, expiredRefs, false, nil
}

// Release implements LockBackend.
func (b *FirestoreBackend) Release(ctx context.Context, lockID string) (ReleaseResult, error) {
	var result ReleaseResult
	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if ctx.Err() != nil {
			return errCanceledNotRetryable
		}
		nowMs := time.Now().UnixMilli()

		liveRef, _, expiredRefs, ambiguous, err := b.findByLockID(ctx, tx, lockID, nowMs)
		if err != nil {
			return err
		}
		if ambiguous {
			b.logger.Error("duplicate live lock records for lockID", "lockId", hashIdentifier(lockID), "error", ErrDuplicateHolders)
			result = ReleaseResult{OK: false, Reason: FailureReasonNotFound}
			return b.deleteExpired(tx, expiredRefs)
		}
		if liveRef == nil {
			if len(expiredRefs) > 0 {
				result = ReleaseResult{OK: false, Reason: FailureReasonExpired}
			} else {
				result = ReleaseResult{OK: false, Reason: FailureReasonNotFound}
			}
			return b.deleteExpired(tx, expiredRefs)
		}

		if err := tx.Delete(liveRef); err != nil {
			return err
		}
		if err := b.deleteExpired(tx, expiredRefs); err != nil {
			return err
		}
		result = ReleaseResult{OK: true}
		return nil
	})
	if err != nil {
		b.metrics.Increment(MetricReleaseFailed, "backend", "firestore", "reason", "error")
		return ReleaseResult{}, b.mapErr("Release", err)
	}

	if result.OK {
		b.metrics.Increment(MetricReleaseSuccess, "backend", "firestore")
	} else {
		b.metrics.Increment(MetricReleaseFailed, "backend", "firestore", "reason", string(result.Reason))
	}
	return result, nil
}

// Extend implements LockBackend.
func (b *FirestoreBackend) Extend(ctx context.Context, lockID string, ttl time.Duration) (ExtendResult, error) {
	if ttl <= 0 {
		return ExtendResult{}, NewError(KindInvalidArgument, "Extend", ErrInvalidTTL)
	}

	var result ExtendResult
	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if ctx.Err() != nil {
			return errCanceledNotRetryable
		}
		nowMs := time.Now().UnixMilli()

		liveRef, liveDoc, expiredRefs, ambiguous, err := b.findByLockID(ctx, tx, lockID, nowMs)
		if err != nil {
			return err
		}
		if ambiguous {
			b.logger.Error("duplicate live lock records for lockID", "lockId", hashIdentifier(lockID), "error", ErrDuplicateHolders)
			result = ExtendResult{OK: false, Reason: FailureReasonNotFound}
			return b.deleteExpired(tx, expiredRefs)
		}
		if liveRef == nil {
			if len(expiredRefs) > 0 {
				result = ExtendResult{OK: false, Reason: FailureReasonExpired}
			} else {
				result = ExtendResult{OK: false, Reason: FailureReasonNotFound}
			}
			return b.deleteExpired(tx, expiredRefs)
		}

		newExpiresAtMs := nowMs + ttl.Milliseconds()
		if err := tx.Set(liveRef, firestoreLockDoc{
			LockID:       liveDoc.LockID,
			ExpiresAtMs:  newExpiresAtMs,
			AcquiredAtMs: liveDoc.AcquiredAtMs,
			Fence:        liveDoc.Fence,
		}); err != nil {
			return err
		}
		if err := b.deleteExpired(tx, expiredRefs); err != nil {
			return err
		}
		result = ExtendResult{OK: true, ExpiresAtMs: newExpiresAtMs}
		return nil
	})
	if err != nil {
		b.metrics.Increment(MetricExtendFailed, "backend", "firestore", "reason", "error")
		return ExtendResult{}, b.mapErr("Extend", err)
	}

	if result.OK {
		b.metrics.Increment(MetricExtendSuccess, "backend", "firestore")
	} else {
		b.metrics.Increment(MetricExtendFailed, "backend", "firestore", "reason", string(result.Reason))
	}
	return result, nil
}

func (b *FirestoreBackend) deleteExpired(tx *firestore.Transaction, refs []*firestore.DocumentRef) error {
	for _, ref := range refs {
		if err := tx.Delete(ref); err != nil {
			return err
		}
	}
	return nil
}

// IsLocked implements LockBackend.
func (b *FirestoreBackend) IsLocked(ctx context.Context, key string) (bool, error) {
	normalized, err := NormalizeAndValidateKey(key)
	if err != nil {
		return false, err
	}
	storageKey := MakeStorageKey("", normalized, MaxKeyLengthBytes, 0)

	snap, err := b.lockRef(storageKey).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, b.mapErr("IsLocked", err)
	}

	var doc firestoreLockDoc
	if err := snap.DataTo(&doc); err != nil {
		return false, NewError(KindInternal, "IsLocked", err)
	}

	nowMs := time.Now().UnixMilli()
	if IsLive(doc.ExpiresAtMs, nowMs, TimeToleranceMs) {
		return true, nil
	}

	if b.opportunisticCleanup && doc.ExpiresAtMs <= nowMs-TimeToleranceMs-OpportunisticCleanupMarginMs {
		if _, err := b.lockRef(storageKey).Delete(ctx); err != nil {
			b.logger.Warn("opportunistic cleanup failed", "key", storageKey, "error", err)
		}
	}
	return false, nil
}

// Lookup implements LockBackend. Non-atomic diagnostic read, per contract.
func (b *FirestoreBackend) Lookup(ctx context.Context, ref LookupRef) (*LockInfo, error) {
	var snap *firestore.DocumentSnapshot
	var storageKey string

	if ref.LockID != "" {
		iter := b.client.Collection(b.collection).Where("lockId", "==", ref.LockID).Limit(1).Documents(ctx)
		defer iter.Stop()
		found, err := iter.Next()
		if err == iterator.Done {
			return nil, nil
		}
		if err != nil {
			return nil, b.mapErr("Lookup", err)
		}
		snap = found
		storageKey = found.Ref.ID
	} else {
		normalized, err := NormalizeAndValidateKey(ref.Key)
		if err != nil {
			return nil, err
		}
		storageKey = MakeStorageKey("", normalized, MaxKeyLengthBytes, 0)
		s, err := b.lockRef(storageKey).Get(ctx)
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		if err != nil {
			return nil, b.mapErr("Lookup", err)
		}
		snap = s
	}

	var doc firestoreLockDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, NewError(KindInternal, "Lookup", err)
	}
	if !IsLive(doc.ExpiresAtMs, time.Now().UnixMilli(), TimeToleranceMs) {
		return nil, nil
	}

	return &LockInfo{
		KeyHash:      hashIdentifier(storageKey),
		LockIDHash:   hashIdentifier(doc.LockID),
		ExpiresAtMs:  doc.ExpiresAtMs,
		AcquiredAtMs: doc.AcquiredAtMs,
		Fence:        FormatFence(doc.Fence),
	}, nil
}

// mapErr translates a Firestore/gRPC error into the shared error kind
// taxonomy. Classification is by gRPC status code, Firestore's equivalent
// of the human-readable codes the relational and scripted-store drivers
// embed in their error messages.
func (b *FirestoreBackend) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errCanceledNotRetryable) || errors.Is(err, context.Canceled) {
		return NewError(KindAborted, op, err)
	}

	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return NewError(KindAuthFailed, op, err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return NewError(KindInvalidArgument, op, err)
	case codes.ResourceExhausted:
		return NewError(KindRateLimited, op, err)
	case codes.DeadlineExceeded:
		return NewError(KindNetworkTimeout, op, err)
	case codes.Canceled:
		return NewError(KindAborted, op, err)
	case codes.Unavailable, codes.Aborted:
		return NewError(KindServiceUnavailable, op, err)
	default:
		return NewError(KindInternal, op, err)
	}
}
