package connection

import (
	"math"
	"time"
)

const backoffFactor = 1.5

// Backoff returns the delay before reconnect attempt n (1-based):
// base * 1.5^(n-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(backoffFactor, float64(attempt-1)))
}
