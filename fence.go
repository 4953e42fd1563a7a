package synclock

import (
	"fmt"
	"strconv"
)

// FenceMax is the overflow ceiling for a per-key fence counter: capacity of
// roughly 31.7 years at one million acquisitions per second. Issuing a
// fence at or above this value fails with KindInternal.
const FenceMax int64 = 900_000_000_000_000

// FenceWarn is 10% of FenceMax. Crossing it should produce a warning log
// so operators notice long before a key actually exhausts its counter.
const FenceWarn int64 = 90_000_000_000_000

// fenceDigits is the fixed width of a formatted fence token: len("900000000000000").
const fenceDigits = 15

// FormatFence zero-pads n to fenceDigits decimal digits, so fences sort
// lexicographically the same way they sort numerically.
func FormatFence(n int64) string {
	return fmt.Sprintf("%0*d", fenceDigits, n)
}

// ParseFence parses a formatted fence token back into its integer value.
func ParseFence(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, NewError(KindInternal, "ParseFence", err)
	}
	return n, nil
}

// NextFence increments a stored fence counter value and validates it
// against FenceMax. Returns the new counter value and whether it is at or
// above FenceWarn (true on every call past that threshold). Backends call this after reading the previous
// counter (defaulting to zero when the key is new) and before persisting
// the incremented value alongside the new lock record.
func NextFence(previous int64) (next int64, warned bool, err error) {
	next = previous + 1
	if next >= FenceMax {
		return 0, false, NewError(KindInternal, "NextFence", WithContext(
			ErrFenceOverflow,
			map[string]interface{}{"value": next, "max": FenceMax},
		))
	}
	return next, next >= FenceWarn, nil
}
