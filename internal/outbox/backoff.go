package outbox

import "time"

// RetryDelay computes base*2^attempts capped at max, with ±20% jitter.
// random must return a value in [0, 1).
func RetryDelay(base, max time.Duration, attempts int, random func() float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 10 * time.Minute
	}

	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	factor := 0.8 + 0.4*random()
	jittered := time.Duration(float64(delay) * factor)
	if jittered > max {
		jittered = max
	}
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
