package discovery

import "time"

// schedule is the reconnect backoff sequence for a host that stays down:
// spec §9's adopted answer to the ambiguous "first wait" question —
// 0, 5, 10, 20, 40, 80, 160, 300, 300, ... capped at 5 minutes (spec §8's
// boundary-behaviour test measures exactly this sequence from the prior
// attempt).
var schedule = []time.Duration{
	0, 5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
	80 * time.Second, 160 * time.Second, 300 * time.Second,
}

// BackoffDelay returns the delay before the (attempt+1)-th reconnect try,
// where attempt is the number of consecutive failures so far (0 for the
// very first try after going offline).
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt]
}
