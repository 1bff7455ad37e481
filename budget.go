package ledgerpipe

import (
	"sync/atomic"
	"time"
)

const (
	// DefaultBudgetMinPerAttempt is the floor below which an attempt
	// timeout is not worth issuing.
	DefaultBudgetMinPerAttempt = time.Second
	// DefaultBudgetBuffer is the slack reserved between attempts for
	// bookkeeping and backoff.
	DefaultBudgetBuffer = 100 * time.Millisecond
)

// TimeoutBudget tracks a shrinking wall-clock allowance shared by all retry
// attempts of one logical call. Each attempt's network timeout is capped so
// the attempts can never sum past the total. Safe for concurrent use,
// though attempts for one call run sequentially.
type TimeoutBudget struct {
	start         time.Time
	total         time.Duration
	minPerAttempt time.Duration
	buffer        time.Duration
	attempts      atomic.Int64

	// now is a clock function, overridable for testing.
	now func() time.Time
}

// NewTimeoutBudget creates a budget measuring elapsed time from now.
// Non-positive minPerAttempt or buffer select the package defaults.
func NewTimeoutBudget(total, minPerAttempt, buffer time.Duration) *TimeoutBudget {
	if minPerAttempt <= 0 {
		minPerAttempt = DefaultBudgetMinPerAttempt
	}
	if buffer <= 0 {
		buffer = DefaultBudgetBuffer
	}
	b := &TimeoutBudget{
		total:         total,
		minPerAttempt: minPerAttempt,
		buffer:        buffer,
		now:           time.Now,
	}
	b.start = b.now()
	return b
}

// NextTimeout returns the timeout to apply to the next attempt and counts
// the attempt. A zero return means the budget is spent and no further
// attempt may be issued. A positive requested timeout caps the result when
// it fits inside the remaining budget; otherwise the remaining budget
// (minus the buffer) is granted, never less than the per-attempt floor.
func (b *TimeoutBudget) NextTimeout(requested time.Duration) time.Duration {
	b.attempts.Add(1)

	remaining := b.total - b.now().Sub(b.start)
	if remaining <= b.buffer {
		return 0
	}

	available := remaining - b.buffer
	if requested > 0 && requested <= available {
		return requested
	}
	if available < b.minPerAttempt {
		return b.minPerAttempt
	}
	return available
}

// HasRemaining reports whether enough budget is left for one more attempt
// at the per-attempt floor plus the buffer.
func (b *TimeoutBudget) HasRemaining() bool {
	remaining := b.total - b.now().Sub(b.start)
	return remaining > b.minPerAttempt+b.buffer
}

// Attempts returns how many times NextTimeout has been called.
func (b *TimeoutBudget) Attempts() int {
	return int(b.attempts.Load())
}

// Remaining returns the unspent portion of the total allowance.
func (b *TimeoutBudget) Remaining() time.Duration {
	remaining := b.total - b.now().Sub(b.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}
