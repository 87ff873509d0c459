// Package backoff computes exponential reconnection delays with
// optional jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay regardless of attempt number.
	Max time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top
	// of the base delay.
	Jitter float64
}

// Default mirrors the canonical reconnection policy: 1s base, doubled
// per attempt, capped at 30s, 10% jitter.
func Default() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2.0,
		Jitter:  0.1,
	}
}

// Delay returns the backoff for a given attempt. Attempts start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64())
}

// DelayWithRand is the deterministic variant for tests; randomValue
// must be in [0.0, 1.0).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}
