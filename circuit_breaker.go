package ledgerpipe

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// CircuitBreakerConfig holds circuit breaker configuration. The breaker
// keeps independent state per endpoint key so one misbehaving route cannot
// gate the whole client.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures inside RollingWindow that
	// trips a closed breaker. Default: 5.
	FailureThreshold int

	// RollingWindow is the span over which failures are counted; older
	// failures age out and are pruned lazily. Default: 60s.
	RollingWindow time.Duration

	// RecoveryTimeout is how long an open breaker waits before letting a
	// probe through in half-open. Default: 30s.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of half-open successes that close the
	// breaker again. Default: 2.
	SuccessThreshold int

	// IsFailure decides whether an error counts toward the threshold.
	// Default: every non-nil error counts.
	IsFailure func(err error) bool

	// SweepInterval is how often idle closed breakers are garbage
	// collected. Negative disables the sweeper. Default: 1m.
	SweepInterval time.Duration

	// IdleSweepAfter is the inactivity span after which a closed breaker
	// with no recorded failures is removed. Default: 5m.
	IdleSweepAfter time.Duration

	// OnStateChange is called whenever a key changes state.
	OnStateChange func(key string, from, to CircuitState)
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = 60 * time.Second
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.IdleSweepAfter <= 0 {
		c.IdleSweepAfter = 5 * time.Minute
	}
	return c
}

// circuitStats is the per-key breaker state. All fields are guarded by the
// owning CircuitBreaker's mutex.
type circuitStats struct {
	state          CircuitState
	failures       []time.Time // timestamps within the rolling window
	successes      int         // meaningful in half-open only
	lastFailure    time.Time
	stateChangedAt time.Time
	lastActivity   time.Time
}

// CircuitBreaker tracks failure history per endpoint key and fails fast
// once a key trips. Keys are created lazily on first use and swept when
// closed and idle. Safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu    sync.Mutex
	stats map[string]*circuitStats

	sweepStop chan struct{}
	stopOnce  sync.Once

	// now is a clock function, overridable for testing.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker registry with the given
// configuration and starts the idle sweeper when enabled.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		cfg:   config.withDefaults(),
		stats: make(map[string]*circuitStats),
		now:   time.Now,
	}
	if cb.cfg.SweepInterval > 0 {
		cb.sweepStop = make(chan struct{})
		go cb.sweepLoop()
	}
	return cb
}

// Stop terminates the idle sweeper. Breaker state remains usable.
func (cb *CircuitBreaker) Stop() {
	if cb.sweepStop == nil {
		return
	}
	cb.stopOnce.Do(func() { close(cb.sweepStop) })
}

// Allow reports whether a request for key may proceed. An open breaker
// whose recovery timeout elapsed transitions to half-open and admits the
// probe.
func (cb *CircuitBreaker) Allow(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.statsLocked(key)
	s.lastActivity = cb.now()

	switch s.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(s.stateChangedAt) >= cb.cfg.RecoveryTimeout {
			cb.transitionLocked(key, s, StateHalfOpen)
			s.successes = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordOutcome feeds one attempt's result into key's state, applying the
// configured failure classification.
func (cb *CircuitBreaker) RecordOutcome(key string, err error) {
	if cb.cfg.IsFailure(err) {
		cb.RecordFailure(key)
	} else {
		cb.RecordSuccess(key)
	}
}

// RecordFailure appends a failure for key and trips the breaker when the
// rolling-window count reaches the threshold. A half-open failure reopens
// immediately.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	s := cb.statsLocked(key)
	s.lastFailure = now
	s.lastActivity = now

	switch s.state {
	case StateClosed:
		cb.pruneLocked(s)
		s.failures = append(s.failures, now)
		if len(s.failures) >= cb.cfg.FailureThreshold {
			cb.transitionLocked(key, s, StateOpen)
		}
	case StateOpen:
		// Already open; the timestamp above is enough.
	case StateHalfOpen:
		s.failures = append(s.failures, now)
		s.successes = 0
		cb.transitionLocked(key, s, StateOpen)
	}
}

// RecordSuccess counts a success for key. Only the half-open state reacts:
// reaching the success threshold closes the breaker and clears failure
// history. A closed-state success does not clear prior failures; the
// rolling window ages them out instead.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.statsLocked(key)
	s.lastActivity = cb.now()

	if s.state != StateHalfOpen {
		return
	}
	s.successes++
	if s.successes >= cb.cfg.SuccessThreshold {
		cb.transitionLocked(key, s, StateClosed)
		s.failures = nil
		s.successes = 0
	}
}

// Execute runs fn under key's breaker: it returns a circuit-open error
// without invoking fn when gated, and otherwise records fn's outcome
// before propagating its result.
func (cb *CircuitBreaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	if !cb.Allow(key) {
		return nil, &PipelineError{
			Type:     ErrorTypeCircuitOpen,
			Message:  "circuit breaker is open",
			Cause:    ErrCircuitOpen,
			Endpoint: key,
		}
	}
	resp, err := fn(ctx)
	cb.RecordOutcome(key, err)
	return resp, err
}

// State returns key's last recorded state. It never mutates: the
// open→half-open transition happens only in Allow, when a probe is
// actually admitted.
func (cb *CircuitBreaker) State(key string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.statsLocked(key).state
}

// FailureCount returns the number of failures for key inside the rolling
// window.
func (cb *CircuitBreaker) FailureCount(key string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.statsLocked(key)
	cb.pruneLocked(s)
	return len(s.failures)
}

// Trip forces key open, gating all calls until the recovery timeout.
func (cb *CircuitBreaker) Trip(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.statsLocked(key)
	cb.transitionLocked(key, s, StateOpen)
}

// Restore forces key closed without clearing failure history.
func (cb *CircuitBreaker) Restore(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.statsLocked(key)
	cb.transitionLocked(key, s, StateClosed)
	s.successes = 0
}

// Reset discards all state for key.
func (cb *CircuitBreaker) Reset(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.stats, key)
}

// ResetAll discards every key's state.
func (cb *CircuitBreaker) ResetAll() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.stats = make(map[string]*circuitStats)
}

// Keys returns the endpoint keys currently tracked.
func (cb *CircuitBreaker) Keys() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	keys := make([]string, 0, len(cb.stats))
	for k := range cb.stats {
		keys = append(keys, k)
	}
	return keys
}

func (cb *CircuitBreaker) statsLocked(key string) *circuitStats {
	s, ok := cb.stats[key]
	if !ok {
		s = &circuitStats{
			state:          StateClosed,
			stateChangedAt: cb.now(),
			lastActivity:   cb.now(),
		}
		cb.stats[key] = s
	}
	return s
}

// pruneLocked drops failures older than the rolling window.
func (cb *CircuitBreaker) pruneLocked(s *circuitStats) {
	cutoff := cb.now().Add(-cb.cfg.RollingWindow)
	i := 0
	for i < len(s.failures) && s.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.failures = append(s.failures[:0], s.failures[i:]...)
	}
}

func (cb *CircuitBreaker) transitionLocked(key string, s *circuitStats, to CircuitState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.stateChangedAt = cb.now()
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(key, from, to)
	}
}

func (cb *CircuitBreaker) sweepLoop() {
	ticker := time.NewTicker(cb.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cb.sweep()
		case <-cb.sweepStop:
			return
		}
	}
}

// sweep removes closed breakers with no windowed failures and no recent
// activity, bounding memory for clients that touch many routes.
func (cb *CircuitBreaker) sweep() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cutoff := cb.now().Add(-cb.cfg.IdleSweepAfter)
	for key, s := range cb.stats {
		if s.state != StateClosed {
			continue
		}
		cb.pruneLocked(s)
		if len(s.failures) == 0 && s.lastActivity.Before(cutoff) {
			delete(cb.stats, key)
		}
	}
}
