package synclock

import (
	"context"
	"os"
	"testing"
	"time"
)

// newTestFirestoreBackend requires a running Firestore emulator
// (FIRESTORE_EMULATOR_HOST set, e.g. "localhost:8080" via
// `gcloud emulators firestore start`). Skipped otherwise since there is no
// in-process fake for the Firestore client the way miniredis fakes Redis.
func newTestFirestoreBackend(t *testing.T) *FirestoreBackend {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set; skipping Firestore backend tests")
	}

	ctx := context.Background()
	backend, err := NewFirestoreBackend(ctx, FirestoreConfig{
		ProjectID:  "synclock-test",
		Collection: "synclock_locks_test",
	})
	if err != nil {
		t.Fatalf("NewFirestoreBackend() error = %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestFirestoreBackendAcquireRelease(t *testing.T) {
	backend := newTestFirestoreBackend(t)
	ctx := context.Background()

	res, err := backend.Acquire(ctx, "resource:1", 30*time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !res.OK {
		t.Fatal("expected Acquire to succeed")
	}

	rel, err := backend.Release(ctx, res.LockID)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !rel.OK {
		t.Errorf("expected Release to succeed, reason=%s", rel.Reason)
	}
}

func TestFirestoreBackendAcquireContention(t *testing.T) {
	backend := newTestFirestoreBackend(t)
	ctx := context.Background()

	first, err := backend.Acquire(ctx, "resource:2", 30*time.Second)
	if err != nil || !first.OK {
		t.Fatalf("first Acquire failed: ok=%v err=%v", first.OK, err)
	}

	second, err := backend.Acquire(ctx, "resource:2", 30*time.Second)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if second.OK {
		t.Fatal("expected second Acquire to report contention")
	}
}

func TestFirestoreBackendReleaseUnknownLockID(t *testing.T) {
	backend := newTestFirestoreBackend(t)
	ctx := context.Background()

	other, _ := GenerateLockID()
	rel, err := backend.Release(ctx, other)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if rel.OK {
		t.Error("expected release of unknown lockID to fail")
	}
	if rel.Reason != FailureReasonNotFound {
		t.Errorf("Reason = %q, want not-found", rel.Reason)
	}
}

func TestFirestoreBackendExtend(t *testing.T) {
	backend := newTestFirestoreBackend(t)
	ctx := context.Background()

	acquired, _ := backend.Acquire(ctx, "resource:3", 5*time.Second)

	extended, err := backend.Extend(ctx, acquired.LockID, 60*time.Second)
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if !extended.OK {
		t.Fatal("expected Extend to succeed")
	}
	if extended.ExpiresAtMs <= acquired.ExpiresAtMs {
		t.Error("extended expiry should be later than original")
	}
}

func TestFirestoreBackendIsLocked(t *testing.T) {
	backend := newTestFirestoreBackend(t)
	ctx := context.Background()

	locked, err := backend.IsLocked(ctx, "resource:4")
	if err != nil {
		t.Fatalf("IsLocked() error = %v", err)
	}
	if locked {
		t.Error("expected resource:4 to start unlocked")
	}

	backend.Acquire(ctx, "resource:4", 30*time.Second)

	locked, err = backend.IsLocked(ctx, "resource:4")
	if err != nil {
		t.Fatalf("IsLocked() error = %v", err)
	}
	if !locked {
		t.Error("expected resource:4 to be locked after Acquire")
	}
}

func TestFirestoreBackendLookup(t *testing.T) {
	backend := newTestFirestoreBackend(t)
	ctx := context.Background()

	acquired, _ := backend.Acquire(ctx, "resource:5", 30*time.Second)

	byKey, err := backend.Lookup(ctx, ByKey("resource:5"))
	if err != nil {
		t.Fatalf("Lookup(ByKey) error = %v", err)
	}
	if byKey == nil {
		t.Fatal("expected lock info by key")
	}

	byID, err := backend.Lookup(ctx, ByLockID(acquired.LockID))
	if err != nil {
		t.Fatalf("Lookup(ByLockID) error = %v", err)
	}
	if byID == nil || byID.Fence != byKey.Fence {
		t.Error("lookup by key and by lockID should agree")
	}
}

func TestFirestoreBackendCapabilities(t *testing.T) {
	backend := newTestFirestoreBackend(t)
	caps := backend.Capabilities()

	if caps.Backend != "firestore" {
		t.Errorf("Backend = %q, want firestore", caps.Backend)
	}
	if !caps.SupportsFencing {
		t.Error("expected firestore backend to support fencing")
	}
	if caps.TimeAuthority != TimeAuthorityClient {
		t.Errorf("TimeAuthority = %v, want client", caps.TimeAuthority)
	}
}
