// Package backoff centralizes retry delay calculation so the retry policy
// and any future scheduling code share one implementation.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (0-based).
type Strategy interface {
	Delay(attempt int, initial, max time.Duration) time.Duration
}

// Exponential grows the delay geometrically and adds a uniform jitter in
// [0, JitterRange) to desynchronize retry storms across clients.
type Exponential struct {
	// Multiplier is the growth factor per attempt. Zero means 2.
	Multiplier float64
	// JitterRange bounds the additive uniform jitter. Zero means 100ms.
	JitterRange time.Duration
}

// Base returns the deterministic component, min(initial·m^attempt, max).
// Exposed separately so callers can reason about delays sans jitter.
func (s Exponential) Base(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Cap the exponent so the float math cannot overflow into negatives.
	if attempt > 30 {
		attempt = 30
	}
	m := s.Multiplier
	if m <= 0 {
		m = 2.0
	}
	d := time.Duration(float64(initial) * Pow(m, attempt))
	if d < 0 || d > max {
		d = max
	}
	return d
}

// Delay implements Strategy.
func (s Exponential) Delay(attempt int, initial, max time.Duration) time.Duration {
	d := s.Base(attempt, initial, max)
	jr := s.JitterRange
	if jr <= 0 {
		jr = 100 * time.Millisecond
	}
	d += time.Duration(rand.Int63n(int64(jr)))
	if d > max {
		d = max
	}
	return d
}

// Decorrelated implements AWS-style decorrelated jitter:
// random_between(base, min(cap, base·3^attempt)). It trades monotonic
// growth for smoother tail latencies.
type Decorrelated struct{}

// Delay implements Strategy.
func (Decorrelated) Delay(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(initial)
	upper := base * Pow(3.0, attempt)
	if upper > float64(max) || upper < 0 {
		upper = float64(max)
	}
	if upper < base {
		upper = base
	}

	d := time.Duration(base + rand.Float64()*(upper-base))
	if d < 0 || d > max {
		d = max
	}
	return d
}

// Pow computes base^exponent by repeated multiplication. Avoids pulling in
// math.Pow for small integer exponents.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
