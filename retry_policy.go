package ledgerpipe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openledgerkit/ledgerpipe/internal/backoff"
)

// RetryConfig configures the retry policy.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt, so up
	// to MaxRetries+1 attempts total. Default: 3.
	MaxRetries int

	// InitialDelay seeds the exponential backoff. Default: 100ms.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay. Default: 10s.
	MaxDelay time.Duration

	// RetryableStatusCodes lists the HTTP statuses worth retrying.
	// Default: 408, 429, 500, 502, 503, 504.
	RetryableStatusCodes []int

	// Condition, when set, overrides the built-in classification entirely.
	Condition RetryCondition

	// Strategy selects the backoff calculation. Default: ExponentialJitter.
	Strategy BackoffStrategy

	// IgnoreRetryAfter disables honoring Retry-After response headers
	// over the computed backoff.
	IgnoreRetryAfter bool
}

// BackoffStrategy selects how delays between attempts are computed.
type BackoffStrategy int

const (
	// ExponentialJitter doubles the base delay each attempt and adds
	// uniform jitter in [0, 100ms).
	ExponentialJitter BackoffStrategy = iota

	// DecorrelatedJitter draws each delay uniformly from a range that
	// grows with the attempt, decorrelating concurrent clients.
	DecorrelatedJitter
)

func defaultRetryableStatusCodes() []int {
	return []int{
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.RetryableStatusCodes == nil {
		c.RetryableStatusCodes = defaultRetryableStatusCodes()
	}
	return c
}

// RetryPolicy decides retryability and backoff for failed attempts.
// Attempt numbering is 0-based; exhaustion surfaces the last error as-is.
type RetryPolicy struct {
	cfg       RetryConfig
	retryable map[int]bool
	strategy  backoff.Strategy
}

// NewRetryPolicy builds a policy from config, applying defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	config = config.withDefaults()
	retryable := make(map[int]bool, len(config.RetryableStatusCodes))
	for _, code := range config.RetryableStatusCodes {
		retryable[code] = true
	}
	var strategy backoff.Strategy
	switch config.Strategy {
	case DecorrelatedJitter:
		strategy = backoff.Decorrelated{}
	default:
		strategy = backoff.Exponential{}
	}
	return &RetryPolicy{cfg: config, retryable: retryable, strategy: strategy}
}

// MaxRetries returns the configured retry limit.
func (p *RetryPolicy) MaxRetries() int {
	return p.cfg.MaxRetries
}

// Execute runs fn until it succeeds, the failure is not retryable, or the
// retry limit is reached. The last response/error pair is returned
// unchanged. Sleeps between attempts respect ctx cancellation.
func (p *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context, attempt int) (*http.Response, error)) (*http.Response, error) {
	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = fn(ctx, attempt)

		delay, retry := p.ShouldRetry(resp, err, attempt)
		if !retry {
			return resp, err
		}

		// A response we are abandoning must be drained so the transport
		// can reuse the connection.
		if resp != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ShouldRetry reports whether the attempt's outcome warrants a retry and
// the delay to wait first. Classification order: resource/gating errors
// never retry; a custom condition wins if set; then the retryable status
// set; then transient network error messages.
func (p *RetryPolicy) ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool) {
	if attempt >= p.cfg.MaxRetries {
		return 0, false
	}
	if resp == nil && err == nil {
		return 0, false
	}

	if isNonRetryableKind(err) {
		return 0, false
	}

	if p.cfg.Condition != nil {
		if !p.cfg.Condition(resp, err) {
			return 0, false
		}
		return p.delayFor(resp, err, attempt), true
	}

	if code := statusCodeOf(resp, err); code > 0 {
		if !p.retryable[code] {
			return 0, false
		}
		return p.delayFor(resp, err, attempt), true
	}

	if err != nil && isTransientMessage(err) {
		return p.delayFor(resp, err, attempt), true
	}

	return 0, false
}

// Delay returns the backoff delay for attempt, without Retry-After hints.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	return p.strategy.Delay(attempt, p.cfg.InitialDelay, p.cfg.MaxDelay)
}

// BaseDelay returns the deterministic delay component for attempt when the
// strategy exposes one, else the jittered delay.
func (p *RetryPolicy) BaseDelay(attempt int) time.Duration {
	if exp, ok := p.strategy.(backoff.Exponential); ok {
		return exp.Base(attempt, p.cfg.InitialDelay, p.cfg.MaxDelay)
	}
	return p.Delay(attempt)
}

func (p *RetryPolicy) delayFor(resp *http.Response, err error, attempt int) time.Duration {
	if !p.cfg.IgnoreRetryAfter {
		if hint := retryAfterOf(resp, err); hint > 0 {
			return hint
		}
	}
	return p.Delay(attempt)
}

// isNonRetryableKind filters pipeline errors that must surface immediately:
// gating (circuit open), resource exhaustion (queue full, pool reset,
// budget spent) and configuration problems.
func isNonRetryableKind(err error) bool {
	if err == nil {
		return false
	}
	var pipeErr *PipelineError
	if !errors.As(err, &pipeErr) {
		return false
	}
	switch pipeErr.Type {
	case ErrorTypeCircuitOpen, ErrorTypeQueueFull, ErrorTypePoolReset, ErrorTypeBudgetExhausted, ErrorTypeValidation:
		return true
	}
	return false
}

func statusCodeOf(resp *http.Response, err error) int {
	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) && pipeErr.StatusCode > 0 {
		return pipeErr.StatusCode
	}
	if resp != nil {
		return resp.StatusCode
	}
	return 0
}

func retryAfterOf(resp *http.Response, err error) time.Duration {
	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) && pipeErr.RetryAfter > 0 {
		return pipeErr.RetryAfter
	}
	if resp != nil {
		return parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return 0
}

// transientMessageParts are substrings of connection-level failures that
// are worth retrying even without a status code.
var transientMessageParts = []string{
	"connection refused",
	"connection reset",
	"econnrefused",
	"econnreset",
	"timeout",
	"timed out",
	"deadline exceeded",
	"no such host",
	"broken pipe",
	"network",
	"eof",
}

func isTransientMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, part := range transientMessageParts {
		if strings.Contains(msg, part) {
			return true
		}
	}
	return false
}

// parseRetryAfter parses a Retry-After header in either delay-seconds or
// HTTP-date format, capped at one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
