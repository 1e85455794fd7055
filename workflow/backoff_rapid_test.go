package workflow

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestExponentialBackoffProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attempt := rapid.IntRange(1, 10).Draw(t, "attempt")
		factor := time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(t, "factor"))

		d := ExponentialBackoff(attempt, factor)
		base := factor << (attempt - 1)

		if d < base {
			t.Fatalf("backoff %v below base %v", d, base)
		}
		if jitterCap := base / 5; jitterCap > 0 && d >= base+jitterCap {
			t.Fatalf("backoff %v exceeds base %v plus 20%% jitter", d, base)
		}
	})
}

func TestExponentialBackoffMonotoneBase(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attempt := rapid.IntRange(1, 9).Draw(t, "attempt")
		factor := time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(time.Second)).Draw(t, "factor"))

		// The deterministic base doubles per attempt, so even with maximal
		// jitter on the earlier attempt the later one is strictly larger.
		earlier := factor << (attempt - 1)
		later := ExponentialBackoff(attempt+1, factor)
		if later < earlier*2 {
			t.Fatalf("attempt %d backoff %v below doubled base %v", attempt+1, later, earlier*2)
		}
	})
}
