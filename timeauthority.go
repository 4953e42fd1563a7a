package synclock

// TimeToleranceMs is the slack applied when deciding whether a stored
// expiry is still live, absorbing clock skew between the caller's
// observation and the store's authoritative clock.
const TimeToleranceMs int64 = 1000

// OpportunisticCleanupMarginMs is the extra slack, beyond TimeToleranceMs,
// an expired record must exceed before a backend's opportunistic cleanup
// (disabled by default) will delete it. This keeps cleanup from racing an
// in-flight extend that has not yet observed the new expiry.
const OpportunisticCleanupMarginMs int64 = 1000

// IsLive reports whether a record expiring at expiresAtMs is still live at
// nowMs, allowing toleranceMs of skew. A record is live while
// expiresAtMs > nowMs - toleranceMs.
func IsLive(expiresAtMs, nowMs, toleranceMs int64) bool {
	return expiresAtMs > nowMs-toleranceMs
}
