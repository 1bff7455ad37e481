package ledgerpipe

import (
	"fmt"
	"net/http"
	"time"
)

// WithMaxRetries sets the maximum number of retry attempts
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.retryCfg.MaxRetries = n
	}
}

// WithInitialBackoff sets the initial backoff duration
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.retryCfg.InitialDelay = d
	}
}

// WithMaxBackoff sets the maximum backoff duration
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.retryCfg.MaxDelay = d
	}
}

// WithBackoffStrategy sets a custom backoff strategy
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(c *Client) {
		c.retryCfg.Strategy = strategy
	}
}

// WithRetryableStatusCodes overrides the set of status codes that trigger a retry
func WithRetryableStatusCodes(codes ...int) Option {
	return func(c *Client) {
		c.retryCfg.RetryableStatusCodes = codes
	}
}

// WithRetryCondition sets a custom retry condition
func WithRetryCondition(fn RetryCondition) Option {
	return func(c *Client) {
		c.retryCfg.Condition = fn
	}
}

// WithIgnoreRetryAfter makes backoff delays ignore server Retry-After hints
func WithIgnoreRetryAfter() Option {
	return func(c *Client) {
		c.retryCfg.IgnoreRetryAfter = true
	}
}

// WithTimeout sets the per-attempt request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithTimeoutBudget caps the total time spent across all attempts of a
// single logical request, including retries and backoff waits.
func WithTimeoutBudget(total time.Duration) Option {
	return func(c *Client) {
		c.budgetTotal = total
	}
}

// WithTimeoutBudgetConfig sets the budget along with the per-attempt floor
// and the buffer reserved for response processing
func WithTimeoutBudgetConfig(total, minPerAttempt, buffer time.Duration) Option {
	return func(c *Client) {
		c.budgetTotal = total
		c.budgetFloor = minPerAttempt
		c.budgetBuffer = buffer
	}
}

// WithConnectionPool sets the connection pool configuration
func WithConnectionPool(config PoolConfig) Option {
	return func(c *Client) {
		c.poolCfg = config
	}
}

// WithoutCoalescing disables merging of identical concurrent GET requests
func WithoutCoalescing() Option {
	return func(c *Client) {
		c.poolCfg.DisableCoalescing = true
	}
}

// WithCircuitBreaker sets the circuit breaker configuration
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerCfg = config
	}
}

// WithEndpointKeyFunc sets the function that derives the circuit breaker
// key from a request
func WithEndpointKeyFunc(fn EndpointKeyFunc) Option {
	return func(c *Client) {
		c.endpointKeyFunc = fn
	}
}

// WithCache enables caching with the default in-memory cache
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = NewResponseCache(CacheConfig{DefaultTTL: ttl, LRU: true})
		c.cacheTTL = ttl
	}
}

// WithCacheConfig enables caching with explicit capacity and eviction settings
func WithCacheConfig(config CacheConfig) Option {
	return func(c *Client) {
		c.cache = NewResponseCache(config)
		c.cacheTTL = config.DefaultTTL
	}
}

// WithCustomCache sets a custom cache implementation
func WithCustomCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithCacheKeyFunc sets a custom cache key function
func WithCacheKeyFunc(fn func(*http.Request) string) Option {
	return func(c *Client) {
		c.cacheKeyFunc = fn
	}
}

// WithCacheCondition sets a custom cache condition function
func WithCacheCondition(fn CacheCondition) Option {
	return func(c *Client) {
		c.cacheCondition = fn
	}
}

// WithDefaultHeader adds a header applied to every request that does not
// already set it
func WithDefaultHeader(key, value string) Option {
	return func(c *Client) {
		if c.defaultHeaders == nil {
			c.defaultHeaders = http.Header{}
		}
		c.defaultHeaders.Add(key, value)
	}
}

// WithoutIdempotencyKey disables automatic Idempotency-Key generation for
// mutating requests
func WithoutIdempotencyKey() Option {
	return func(c *Client) {
		c.disableIdempotencyKey = true
	}
}

// WithMiddleware adds middleware to the client
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithTracer sets the tracer used to span each network attempt
func WithTracer(tracer Tracer) Option {
	return func(c *Client) {
		if tracer == nil {
			tracer = NoopTracer{}
		}
		c.tracer = tracer
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger for debug output
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errs []string

	errs = append(errs, c.validateRetryConfig()...)
	errs = append(errs, c.validateBudgetConfig()...)
	errs = append(errs, c.validatePoolConfig()...)
	errs = append(errs, c.validateCacheConfig()...)
	errs = append(errs, c.validateCircuitBreakerConfig()...)
	errs = append(errs, c.validateDebugConfig()...)
	errs = append(errs, c.validateMiddlewareConfig()...)
	errs = append(errs, c.validateHTTPClientConfig()...)
	errs = append(errs, c.validateExtremeValues()...)

	if len(errs) > 0 {
		return &PipelineError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errs),
		}
	}

	return nil
}

// validateRetryConfig validates retry-related configuration
func (c *Client) validateRetryConfig() []string {
	var errs []string

	if c.retryCfg.MaxRetries < 0 {
		errs = append(errs, "maxRetries must be non-negative")
	}

	if c.retryCfg.InitialDelay < 0 {
		errs = append(errs, "initialDelay must be non-negative")
	}

	if c.retryCfg.MaxDelay != 0 && c.retryCfg.MaxDelay < c.retryCfg.InitialDelay {
		errs = append(errs, "maxDelay must be greater than or equal to initialDelay")
	}

	for _, code := range c.retryCfg.RetryableStatusCodes {
		if code < 100 || code > 599 {
			errs = append(errs, fmt.Sprintf("retryable status code %d is not a valid HTTP status", code))
		}
	}

	if c.requestTimeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}

	return errs
}

// validateBudgetConfig validates timeout budget configuration
func (c *Client) validateBudgetConfig() []string {
	var errs []string

	if c.budgetTotal < 0 {
		errs = append(errs, "timeout budget must be non-negative")
	}
	if c.budgetTotal > 0 {
		floor := c.budgetFloor
		if floor == 0 {
			floor = DefaultBudgetMinPerAttempt
		}
		if c.budgetTotal < floor {
			errs = append(errs, "timeout budget must be at least the per-attempt floor")
		}
	}
	if c.budgetFloor < 0 {
		errs = append(errs, "budget minPerAttempt must be non-negative")
	}
	if c.budgetBuffer < 0 {
		errs = append(errs, "budget buffer must be non-negative")
	}

	return errs
}

// validatePoolConfig validates connection pool configuration
func (c *Client) validatePoolConfig() []string {
	var errs []string

	if c.poolCfg.MaxConnsPerHost < 0 {
		errs = append(errs, "pool maxConnsPerHost must be non-negative")
	}
	if c.poolCfg.MaxTotalConns < 0 {
		errs = append(errs, "pool maxTotalConns must be non-negative")
	}
	if c.poolCfg.MaxTotalConns > 0 && c.poolCfg.MaxConnsPerHost > c.poolCfg.MaxTotalConns {
		errs = append(errs, "pool maxConnsPerHost cannot exceed maxTotalConns")
	}
	if c.poolCfg.MaxQueueSize < 0 {
		errs = append(errs, "pool maxQueueSize must be non-negative")
	}
	if c.poolCfg.CoalescingWindow < 0 {
		errs = append(errs, "pool coalescingWindow must be non-negative")
	}

	return errs
}

// validateCacheConfig validates cache configuration
func (c *Client) validateCacheConfig() []string {
	var errs []string

	if c.cache != nil && c.cacheTTL <= 0 {
		errs = append(errs, "cacheTTL must be positive when cache is enabled")
	}

	return errs
}

// validateCircuitBreakerConfig validates circuit breaker configuration
func (c *Client) validateCircuitBreakerConfig() []string {
	var errs []string

	if c.breakerCfg.FailureThreshold < 0 {
		errs = append(errs, "circuitBreaker FailureThreshold must be non-negative")
	}
	if c.breakerCfg.RollingWindow < 0 {
		errs = append(errs, "circuitBreaker RollingWindow must be non-negative")
	}
	if c.breakerCfg.RecoveryTimeout < 0 {
		errs = append(errs, "circuitBreaker RecoveryTimeout must be non-negative")
	}
	if c.breakerCfg.SuccessThreshold < 0 {
		errs = append(errs, "circuitBreaker SuccessThreshold must be non-negative")
	}

	return errs
}

// validateDebugConfig validates debug configuration
func (c *Client) validateDebugConfig() []string {
	var errs []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			errs = append(errs, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			errs = append(errs, "logger must be set when debug is enabled")
		}
	}

	return errs
}

// validateMiddlewareConfig validates middleware configuration
func (c *Client) validateMiddlewareConfig() []string {
	var errs []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errs = append(errs, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errs
}

// validateHTTPClientConfig validates HTTP client configuration
func (c *Client) validateHTTPClientConfig() []string {
	var errs []string

	if c.httpClient == nil {
		errs = append(errs, "HTTP client cannot be nil")
	}

	return errs
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var errs []string

	if c.retryCfg.MaxRetries > 100 {
		errs = append(errs, "maxRetries > 100 may cause excessive resource usage")
	}

	if c.retryCfg.InitialDelay > 10*time.Minute {
		errs = append(errs, "initialDelay > 10m may cause very long delays")
	}
	if c.retryCfg.MaxDelay > time.Hour {
		errs = append(errs, "maxDelay > 1h may cause extremely long delays")
	}

	if c.requestTimeout > 10*time.Minute {
		errs = append(errs, "timeout > 10m may cause requests to hang for too long")
	}

	if c.budgetTotal > time.Hour {
		errs = append(errs, "timeout budget > 1h defeats the point of a budget")
	}

	if c.cache != nil && c.cacheTTL > 24*time.Hour {
		errs = append(errs, "cacheTTL > 24h may cause stale data issues")
	}

	return errs
}
