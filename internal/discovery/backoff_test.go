package discovery

import (
	"testing"
	"time"
)

// TestBackoffSequence is spec §8's boundary-behaviour test: the backoff
// sequence on a host that stays down is exactly 5, 10, 20, 40, 80, 160,
// 300, 300, ... seconds measured from the prior attempt, with a 0s first
// retry (the open question in spec §9, resolved in favor of 0 here).
func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{
		0, 5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 160 * time.Second, 300 * time.Second, 300 * time.Second, 300 * time.Second,
	}
	for attempt, w := range want {
		if got := BackoffDelay(attempt); got != w {
			t.Errorf("attempt %d: got %s, want %s", attempt, got, w)
		}
	}
}

func TestBackoffDelayNegativeClampsToZero(t *testing.T) {
	if got := BackoffDelay(-1); got != 0 {
		t.Errorf("expected negative attempt to clamp to the first delay, got %s", got)
	}
}
