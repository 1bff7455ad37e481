package ledgerpipe

import (
	"net/http"
	"time"
)

// Option configures a Client at construction time.
type Option func(*Client)

// RoundTripper is the transport interface the pipeline issues requests
// through. The standard *http.Client satisfies it via RoundTripperFunc.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to the RoundTripper interface.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware wraps the transport for cross-cutting concerns (auth headers,
// request logging, tracing). Middleware run in registration order, the
// first registered being outermost.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RetryCondition is a custom predicate deciding whether a finished attempt
// should be retried. When set it takes precedence over the status-code and
// transient-message classification.
type RetryCondition func(resp *http.Response, err error) bool

// EndpointKeyFunc derives the logical endpoint key used to scope
// circuit-breaker state. Keys should not include query strings so that
// one logical route maps to one breaker.
type EndpointKeyFunc func(req *http.Request) string

// DefaultEndpointKeyFunc keys breakers by method, host and path.
func DefaultEndpointKeyFunc(req *http.Request) string {
	if req.URL == nil {
		return req.Method
	}
	return req.Method + " " + req.URL.Host + req.URL.Path
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase name of the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CacheEntry is a stored successful response.
type CacheEntry struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	ExpiresAt  time.Time
}

// Cache is the pluggable store for successful GET responses.
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	Clear()
}

// CacheCondition decides whether a request is eligible for caching.
type CacheCondition func(req *http.Request) bool

// DefaultCacheCondition caches GET requests only.
func DefaultCacheCondition(req *http.Request) bool {
	return req.Method == http.MethodGet
}

type contextKey string

// CacheControlKey carries per-request cache overrides in the context.
const CacheControlKey contextKey = "ledgerpipe_cache_control"

// CacheControl holds per-request cache overrides.
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}
