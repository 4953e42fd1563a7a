package synclock

import (
	"errors"
	"testing"
)

func TestErrorKindString(t *testing.T) {
	tests := []struct {
		kind ErrKind
		want string
	}{
		{KindServiceUnavailable, "ServiceUnavailable"},
		{KindAuthFailed, "AuthFailed"},
		{KindInvalidArgument, "InvalidArgument"},
		{KindRateLimited, "RateLimited"},
		{KindNetworkTimeout, "NetworkTimeout"},
		{KindAcquisitionTimeout, "AcquisitionTimeout"},
		{KindAborted, "Aborted"},
		{KindInternal, "Internal"},
		{KindUnknown, "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewErrorAndKindOf(t *testing.T) {
	base := errors.New("connection refused")
	err := NewError(KindServiceUnavailable, "Acquire", base)

	if KindOf(err) != KindServiceUnavailable {
		t.Errorf("KindOf() = %v, want ServiceUnavailable", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Error("expected errors.Is to find the wrapped base error")
	}
	if !Is(err, KindServiceUnavailable) {
		t.Error("Is() should report true for matching kind")
	}
	if Is(err, KindInternal) {
		t.Error("Is() should report false for non-matching kind")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain errors should classify as KindUnknown")
	}
	if KindOf(nil) != KindUnknown {
		t.Error("nil error should classify as KindUnknown")
	}
}

func TestWithContext(t *testing.T) {
	base := errors.New("base error")
	ctx := map[string]interface{}{"key": "resource:1", "ttlMs": 30000}

	err := WithContext(base, ctx)

	var withCtx *ErrorWithContext
	if !errors.As(err, &withCtx) {
		t.Fatalf("expected ErrorWithContext, got %T", err)
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped error to be found via errors.Is")
	}
	if withCtx.Context["key"] != "resource:1" {
		t.Errorf("context key = %v, want resource:1", withCtx.Context["key"])
	}
	if err.Error() == "" {
		t.Error("error message should not be empty")
	}
}

func TestWithContextNil(t *testing.T) {
	if WithContext(nil, map[string]interface{}{"a": 1}) != nil {
		t.Error("WithContext(nil, ...) should return nil")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"service unavailable", NewError(KindServiceUnavailable, "Acquire", errors.New("x")), true},
		{"rate limited", NewError(KindRateLimited, "Acquire", errors.New("x")), true},
		{"network timeout", NewError(KindNetworkTimeout, "Acquire", errors.New("x")), true},
		{"invalid argument", NewError(KindInvalidArgument, "Acquire", errors.New("x")), false},
		{"internal", NewError(KindInternal, "Acquire", errors.New("x")), false},
		{"plain error", errors.New("other"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid argument", NewError(KindInvalidArgument, "Acquire", errors.New("x")), true},
		{"auth failed", NewError(KindAuthFailed, "Acquire", errors.New("x")), true},
		{"service unavailable", NewError(KindServiceUnavailable, "Acquire", errors.New("x")), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}
