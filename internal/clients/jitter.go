package clients

import "math/rand"

// jitterFraction returns a value in [0.5, 1.0] so backoff delays vary
// without ever dropping to zero (full jitter, biased away from a busy
// re-try storm converging back on the same instant).
func jitterFraction() float64 {
	return 0.5 + rand.Float64()*0.5
}
