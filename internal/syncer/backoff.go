package syncer

import (
	"math/rand"
	"time"
)

// backoffDelay computes the wait before retry attempt+1: exponential from
// base, capped at max, with ±20% jitter so a batch of records stuck on the
// same outage does not retry in lockstep.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	jitter := time.Duration(rand.Int63n(int64(delay)*2/5+1)) - delay/5
	delay += jitter
	if delay < base {
		delay = base
	}
	if delay > max {
		delay = max
	}
	return delay
}
