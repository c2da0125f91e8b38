package settlement

import (
	"math"
	"time"
)

// claimBackoff calculates the wait before the next source claim or refund attempt.
// Exponential in attempts (2^attempt * base), capped at maxBackoff. A zero base retries
// on every sweep.
func claimBackoff(attempts int, base, maxBackoff time.Duration) time.Duration {
	if base <= 0 || attempts <= 0 {
		return 0
	}
	exp := math.Pow(2, float64(attempts-1))
	backoff := time.Duration(exp * float64(base))
	if backoff > maxBackoff || backoff < 0 || exp > float64(math.MaxInt32) {
		backoff = maxBackoff
	}
	return backoff
}
