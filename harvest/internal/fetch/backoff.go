package fetch

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the redelivery delay before retry number attempt
// (1-based): base doubled per attempt, capped at max, with ±50% jitter so
// a burst of same-host failures does not retry in lockstep.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max <= 0 {
		max = 2 * time.Minute
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	// jitter in [0.5d, 1.5d)
	half := d / 2
	return half + rand.N(d)
}
