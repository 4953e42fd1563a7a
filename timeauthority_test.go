package synclock

import "testing"

func TestIsLive(t *testing.T) {
	tests := []struct {
		name        string
		expiresAtMs int64
		nowMs       int64
		toleranceMs int64
		want        bool
	}{
		{"well before expiry", 10_000, 1_000, TimeToleranceMs, true},
		{"exactly at expiry", 10_000, 10_000, TimeToleranceMs, true},
		{"past expiry but within tolerance", 10_000, 10_500, TimeToleranceMs, true},
		{"past expiry, at tolerance boundary", 10_000, 11_000, TimeToleranceMs, false},
		{"well past expiry and tolerance", 10_000, 20_000, TimeToleranceMs, false},
		{"zero tolerance, just before expiry", 10_000, 9_999, 0, true},
		{"zero tolerance, at expiry", 10_000, 10_000, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLive(tt.expiresAtMs, tt.nowMs, tt.toleranceMs); got != tt.want {
				t.Errorf("IsLive(%d, %d, %d) = %v, want %v", tt.expiresAtMs, tt.nowMs, tt.toleranceMs, got, tt.want)
			}
		})
	}
}
