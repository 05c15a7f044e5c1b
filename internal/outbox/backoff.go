// Package outbox provides the durable queue of pending remote mutations.
package outbox

import (
	"math"
	"time"
)

// BackoffPolicy computes the delay before a failed operation becomes
// eligible for retry: min(Base × Multiplier^(attempts−1), Max).
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff yields 5s/15s/45s for attempts 1-3.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       5 * time.Second,
		Multiplier: 3,
		Max:        5 * time.Minute,
	}
}

// Delay returns the backoff delay after the given attempt count.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempts-1))
	if d > float64(p.Max) || math.IsInf(d, 1) {
		return p.Max
	}
	return time.Duration(d)
}
