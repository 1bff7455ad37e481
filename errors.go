package ledgerpipe

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCircuitOpen is returned when the circuit breaker gates a request.
	ErrCircuitOpen = errors.New("ledgerpipe: circuit open")

	// ErrQueueFull is returned when a host's pending queue is at capacity.
	ErrQueueFull = errors.New("ledgerpipe: host queue full")

	// ErrPoolReset is returned to queued requests when the pool is reset.
	ErrPoolReset = errors.New("ledgerpipe: connection pool reset")

	// ErrBudgetExhausted is returned when the timeout budget leaves no room
	// for another attempt.
	ErrBudgetExhausted = errors.New("ledgerpipe: timeout budget exhausted")

	// ErrCacheMiss is returned when a cache lookup fails.
	ErrCacheMiss = errors.New("ledgerpipe: cache miss")
)

// Error kind constants carried in PipelineError.Type.
const (
	ErrorTypeNetwork         = "Network"
	ErrorTypeTimeout         = "Timeout"
	ErrorTypeClient          = "Client"
	ErrorTypeServer          = "Server"
	ErrorTypeRateLimit       = "RateLimit"
	ErrorTypeCircuitOpen     = "CircuitOpen"
	ErrorTypeQueueFull       = "QueueFull"
	ErrorTypePoolReset       = "PoolReset"
	ErrorTypeBudgetExhausted = "BudgetExhausted"
	ErrorTypeValidation      = "Validation"
)

// PipelineError is the structured error surfaced by the pipeline. Callers
// switch on Type (or use errors.Is with the sentinels) rather than probing
// strings.
type PipelineError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	Endpoint   string
	StatusCode int
	RetryAfter time.Duration
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches either another *PipelineError of the same Type or one of the
// package sentinels corresponding to the Type.
func (e *PipelineError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*PipelineError); ok {
		return e.Type == targetErr.Type
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrQueueFull:
		return e.Type == ErrorTypeQueueFull
	case ErrPoolReset:
		return e.Type == ErrorTypePoolReset
	case ErrBudgetExhausted:
		return e.Type == ErrorTypeBudgetExhausted
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *PipelineError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.RetryAfter > 0 {
		info += fmt.Sprintf("Retry After: %v\n", e.RetryAfter)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient reports whether an error represents a failure that might
// succeed on a later call. Network errors, timeouts, 5xx responses, rate
// limiting and open circuits are transient; 4xx client errors (except 429)
// and configuration errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrBudgetExhausted) {
		return true
	}

	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) {
		switch pipeErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit, ErrorTypeCircuitOpen:
			return true
		case ErrorTypeClient:
			return pipeErr.StatusCode == http.StatusTooManyRequests
		default:
			return false
		}
	}

	return false
}

// statusCodeErrorType maps an HTTP status code to an error kind.
func statusCodeErrorType(statusCode int) string {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case statusCode == http.StatusRequestTimeout:
		return ErrorTypeTimeout
	case statusCode >= 500:
		return ErrorTypeServer
	default:
		return ErrorTypeClient
	}
}
