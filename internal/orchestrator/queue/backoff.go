package queue

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// retryBackoff returns the delay before the given retry attempt becomes
// visible again: min(2^attempt, 60) seconds with ±50% jitter so agents
// recovering together do not stampede the queue.
func retryBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := backoffCap
	if attempt < 30 {
		base = time.Duration(math.Pow(2, float64(attempt))) * backoffBase
		if base > backoffCap {
			base = backoffCap
		}
	}
	// jitter in [0.5, 1.5)
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(base) * factor)
}
