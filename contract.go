package synclock

import (
	"context"
	"time"
)

// LockBackend is the backend-neutral contract every storage substrate
// implements. An operation is a single atomic store interaction: one script
// execution for the scripted-store backend, one transaction for the
// relational and document-store backends. Backends carry no in-process
// mutable state besides their store handle and immutable configuration.
type LockBackend interface {
	// Acquire takes an exclusive lease on key for ttl. key is normalized
	// (NFC) and length-validated before any I/O.
	Acquire(ctx context.Context, key string, ttl time.Duration) (AcquireResult, error)

	// Release deletes the lock record iff lockID matches the stored one and
	// the lock is still live.
	Release(ctx context.Context, lockID string) (ReleaseResult, error)

	// Extend atomically validates ownership and liveness, then replaces the
	// lock's expiry with authoritativeNow + ttl. Not additive.
	Extend(ctx context.Context, lockID string, ttl time.Duration) (ExtendResult, error)

	// IsLocked reports whether a live lock exists on key. Pure diagnostic;
	// backends may opportunistically clean up an observably expired record.
	IsLocked(ctx context.Context, key string) (bool, error)

	// Lookup returns a sanitized snapshot of the live lock identified by ref,
	// or nil if none exists. Non-atomic by contract: diagnostics only.
	Lookup(ctx context.Context, ref LookupRef) (*LockInfo, error)

	// Capabilities describes static, backend-specific behavior.
	Capabilities() Capabilities
}

// LookupRef selects a lock either by its caller-supplied key or by its
// lockID. Exactly one of Key or LockID should be set.
type LookupRef struct {
	Key    string
	LockID string
}

// ByKey builds a LookupRef addressing a lock by its caller key.
func ByKey(key string) LookupRef { return LookupRef{Key: key} }

// ByLockID builds a LookupRef addressing a lock by its lockID.
func ByLockID(lockID string) LookupRef { return LookupRef{LockID: lockID} }

// TimeAuthority identifies the clock a backend trusts for liveness checks
// and for computing new expiry timestamps within one operation.
type TimeAuthority string

const (
	// TimeAuthorityServer means the backend reads its store's clock inside
	// the atomic section (Redis TIME, or Postgres EXTRACT(EPOCH FROM NOW())).
	TimeAuthorityServer TimeAuthority = "server"
	// TimeAuthorityClient means the backend uses the local process clock,
	// captured inside the transaction callback (Firestore has no server-time
	// primitive usable from a transaction).
	TimeAuthorityClient TimeAuthority = "client"
)

// Capabilities is a static, backend-specific descriptor.
type Capabilities struct {
	Backend         string
	SupportsFencing bool
	TimeAuthority   TimeAuthority
}

// AcquireResult is the outcome of Acquire. When OK is false, Reason is
// always "locked" (the only contention outcome Acquire itself can report;
// everything else is an error).
type AcquireResult struct {
	OK          bool
	LockID      string
	ExpiresAtMs int64
	Fence       string
	Reason      string
}

// ReleaseResult is the outcome of Release. Reason is populated only when OK
// is false, and is telemetry metadata, not part of the success contract.
type ReleaseResult struct {
	OK     bool
	Reason FailureReason
}

// ExtendResult is the outcome of Extend.
type ExtendResult struct {
	OK          bool
	ExpiresAtMs int64
	Reason      FailureReason
}

// FailureReason is the public, coarse-grained reason a Release or Extend
// failed. It is the boundary projection of mutationCondition: the fine
// grained taxonomy below collapses every ambiguous case to NotFound, per
// spec (fail closed, never claim a lock was definitely "expired" unless the
// backend observed that directly).
type FailureReason string

const (
	// FailureReasonNone is the zero value, used when OK is true.
	FailureReasonNone FailureReason = ""
	// FailureReasonExpired means the backend directly observed the stored
	// record had already expired.
	FailureReasonExpired FailureReason = "expired"
	// FailureReasonNotFound covers every other non-success case: the lock
	// never existed, was held by someone else, was already cleaned up, or
	// the backend could not distinguish between those cases.
	FailureReasonNotFound FailureReason = "not-found"
)

// mutationCondition is the fine-grained internal taxonomy a backend uses to
// describe what happened to a release/extend attempt. It is never exposed
// directly; toPublicReason projects it onto FailureReason, and a backend may
// attach the full value as telemetry metadata.
type mutationCondition int

const (
	conditionSucceeded mutationCondition = iota
	conditionObservableExpired
	conditionNeverExisted
	conditionOwnershipMismatch
	conditionCleanedUpAfterExpiry
	conditionAmbiguousUnknown
)

func (c mutationCondition) String() string {
	switch c {
	case conditionSucceeded:
		return "succeeded"
	case conditionObservableExpired:
		return "observable-expired"
	case conditionNeverExisted:
		return "never-existed"
	case conditionOwnershipMismatch:
		return "ownership-mismatch"
	case conditionCleanedUpAfterExpiry:
		return "cleaned-up-after-expiry"
	case conditionAmbiguousUnknown:
		return "ambiguous-unknown"
	default:
		return "unknown"
	}
}

// toPublicReason maps the internal taxonomy to the public {ok, reason}
// surface. Only a directly observed expiry is reported as "expired"; every
// other failure mode collapses to "not-found".
func toPublicReason(c mutationCondition) FailureReason {
	if c == conditionObservableExpired {
		return FailureReasonExpired
	}
	return FailureReasonNotFound
}

// LockInfo is a sanitized, point-in-time snapshot of a live lock, returned
// by Lookup. KeyHash and LockIDHash are truncated SHA-256 digests so raw
// identifiers are not exposed through diagnostics by default.
type LockInfo struct {
	KeyHash      string
	LockIDHash   string
	ExpiresAtMs  int64
	AcquiredAtMs int64
	Fence        string
}
