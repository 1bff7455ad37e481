package ledgerpipe

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Client is the resilient request executor every SDK call flows through.
// It layers response caching, circuit breaking, timeout budgeting,
// connection pooling with GET coalescing, and retries with backoff around
// the standard net/http transport. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	middleware []Middleware

	pool       *ConnectionPool
	poolCfg    PoolConfig
	breaker    *CircuitBreaker
	breakerCfg CircuitBreakerConfig
	retry      *RetryPolicy
	retryCfg   RetryConfig

	cache          Cache
	cacheTTL       time.Duration
	cacheKeyFunc   func(*http.Request) string
	cacheCondition CacheCondition

	budgetTotal    time.Duration
	budgetFloor    time.Duration
	budgetBuffer   time.Duration
	requestTimeout time.Duration

	defaultHeaders        http.Header
	disableIdempotencyKey bool
	endpointKeyFunc       EndpointKeyFunc

	metrics *MetricsCollector
	tracer  Tracer
	debug   *DebugConfig
	logger  Logger

	validationError error
}

// New constructs a Client from the provided functional options. A best
// effort validation runs at construction; check IsValid / ValidationError.
func New(options ...Option) *Client {
	client := &Client{
		httpClient:      &http.Client{},
		middleware:      []Middleware{},
		poolCfg:         PoolConfig{},
		breakerCfg:      CircuitBreakerConfig{},
		retryCfg:        RetryConfig{MaxRetries: 3},
		cache:           nil,
		cacheTTL:        time.Minute,
		cacheKeyFunc:    DefaultCacheKeyFunc,
		cacheCondition:  DefaultCacheCondition,
		requestTimeout:  30 * time.Second,
		endpointKeyFunc: DefaultEndpointKeyFunc,
		tracer:          NoopTracer{},
		debug:           DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}

	if client.debug == nil {
		client.debug = &DebugConfig{}
	}
	if client.breakerCfg.IsFailure == nil {
		client.breakerCfg.IsFailure = DefaultIsFailure
	}
	client.breaker = NewCircuitBreaker(client.breakerCfg)
	client.retry = NewRetryPolicy(client.retryCfg)

	if client.poolCfg.RequestTimeout == 0 {
		client.poolCfg.RequestTimeout = client.requestTimeout
	}
	client.pool = NewConnectionPool(client.poolCfg, RoundTripperFunc(client.executeMiddleware))
	client.pool.metrics = client.metrics
	client.pool.logger = client.logger

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Close shuts the pipeline down: queued pool requests are rejected,
// in-flight ones cancelled, and the breaker sweeper stopped.
func (c *Client) Close() {
	c.pool.Reset()
	c.breaker.Stop()
}

// Pool exposes the connection pool for stats and operational reset.
func (c *Client) Pool() *ConnectionPool {
	return c.pool
}

// Breaker exposes the circuit breaker for inspection and manual override.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Get performs an HTTP GET with context.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs an HTTP POST with the given content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Put performs an HTTP PUT with the given content type.
func (c *Client) Put(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Delete performs an HTTP DELETE.
func (c *Client) Delete(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Do executes a prepared *http.Request through the full pipeline. The
// response is returned alongside a typed error for non-2xx statuses so
// callers can both pattern-match the error kind and read the body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	endpoint := endpointOf(req)
	key := c.endpointKeyFunc(req)

	var requestID string
	if c.debug != nil && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}

	if c.debugEnabled(c.debug.LogRequests) {
		c.logger.Debug("starting request", "requestID", requestID, "method", req.Method, "url", req.URL.String(), "endpoint", key)
	}

	c.applyDefaultHeaders(req)
	c.attachIdempotencyKey(req)

	c.metrics.RecordRequestStart(req.Method, endpoint)

	cacheEnabled := c.shouldCacheRequest(req)
	if cacheEnabled {
		cacheKey := c.cacheKeyFunc(req)
		if entry, found := c.cache.Get(cacheKey); found {
			if c.debugEnabled(c.debug.LogCache) {
				c.logger.Debug("cache hit", "requestID", requestID, "cacheKey", cacheKey)
			}
			c.metrics.RecordCacheHit(req.Method, endpoint)
			c.metrics.RecordRequestEnd(req.Method, endpoint)
			c.metrics.RecordRequest(req.Method, endpoint, entry.StatusCode, time.Since(start))
			return c.createResponseFromCache(entry), nil
		}
		c.metrics.RecordCacheMiss(req.Method, endpoint)
		if c.debugEnabled(c.debug.LogCache) {
			c.logger.Debug("cache miss", "requestID", requestID, "cacheKey", cacheKey)
		}
	}

	var budget *TimeoutBudget
	if c.budgetTotal > 0 {
		budget = NewTimeoutBudget(c.budgetTotal, c.budgetFloor, c.budgetBuffer)
	}

	resp, err := c.retry.Execute(req.Context(), func(ctx context.Context, attempt int) (*http.Response, error) {
		return c.attempt(req, key, endpoint, requestID, budget, attempt, start)
	})

	c.metrics.RecordRequestEnd(req.Method, endpoint)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordRequest(req.Method, endpoint, statusCode, time.Since(start))

	if cacheEnabled && err == nil && resp.StatusCode < 400 {
		cacheKey := c.cacheKeyFunc(req)
		if entry := c.createCacheEntry(resp); entry != nil {
			c.cache.Set(cacheKey, entry, c.getCacheTTLForRequest(req))
			if rc, ok := c.cache.(*ResponseCache); ok {
				c.metrics.RecordCacheSize("default", rc.Len())
			}
			if c.debugEnabled(c.debug.LogCache) {
				c.logger.Debug("response cached", "requestID", requestID, "cacheKey", cacheKey)
			}
		}
	}

	return resp, err
}

// attempt issues one network attempt: circuit gate, budget-capped timeout,
// pool fetch, classification and outcome recording. The circuit gate is
// re-checked per attempt so a breaker opening during backoff aborts the
// remaining attempts.
func (c *Client) attempt(req *http.Request, key, endpoint, requestID string, budget *TimeoutBudget, attempt int, startTime time.Time) (*http.Response, error) {
	if attempt > 0 {
		if c.debugEnabled(c.debug.LogRetries) {
			c.logger.Info("retry attempt", "requestID", requestID, "attempt", attempt, "maxRetries", c.retry.MaxRetries(), "endpoint", key)
		}
		c.metrics.RecordRetry(req.Method, endpoint, attempt)

		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, c.newError(ErrorTypeNetwork, "failed to rewind request body", err, requestID, req, attempt, time.Since(startTime))
			}
			req.Body = body
		}
	}

	if !c.breaker.Allow(key) {
		if c.debugEnabled(c.debug.LogCircuit) {
			c.logger.Warn("circuit breaker open", "requestID", requestID, "endpoint", key)
		}
		c.metrics.RecordError(ErrorTypeCircuitOpen, req.Method, endpoint)
		gateErr := c.newError(ErrorTypeCircuitOpen, "circuit breaker is open", ErrCircuitOpen, requestID, req, attempt, time.Since(startTime))
		gateErr.Endpoint = key
		return nil, gateErr
	}

	attemptCtx := req.Context()
	cancelAttempt := context.CancelFunc(func() {})
	if budget != nil {
		timeout := budget.NextTimeout(c.requestTimeout)
		if timeout == 0 {
			c.metrics.RecordBudgetExhausted(endpoint)
			c.metrics.RecordError(ErrorTypeBudgetExhausted, req.Method, endpoint)
			return nil, c.newError(ErrorTypeBudgetExhausted, "timeout budget exhausted", ErrBudgetExhausted, requestID, req, attempt, time.Since(startTime))
		}
		attemptCtx, cancelAttempt = context.WithTimeout(attemptCtx, timeout)
	}

	spanCtx, span := c.tracer.StartSpan(attemptCtx, "ledgerpipe.request")
	span.SetAttribute("http.method", req.Method)
	span.SetAttribute("http.url", req.URL.String())
	span.SetAttribute("endpoint", key)
	span.SetAttribute("attempt", attempt)
	if requestID != "" {
		span.SetAttribute("request.id", requestID)
	}

	resp, err := c.pool.Fetch(req.WithContext(spanCtx))

	if err != nil {
		cancelAttempt()
		err = c.classifyError(err, requestID, req, attempt, time.Since(startTime))
		span.RecordError(err)
		span.End()
		c.breaker.RecordOutcome(key, err)
		c.afterOutcome(key, req, endpoint, requestID, err)
		return nil, err
	}

	span.SetAttribute("http.status_code", resp.StatusCode)
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancelAttempt}

	if resp.StatusCode >= 400 {
		httpErr := c.newHTTPError(resp, requestID, req, attempt, time.Since(startTime))
		span.RecordError(httpErr)
		span.End()
		c.breaker.RecordOutcome(key, httpErr)
		c.afterOutcome(key, req, endpoint, requestID, httpErr)
		return resp, httpErr
	}

	span.End()
	c.breaker.RecordOutcome(key, nil)
	c.metrics.RecordCircuitBreakerState(key, c.breaker.State(key))
	return resp, nil
}

func (c *Client) afterOutcome(key string, req *http.Request, endpoint, requestID string, err error) {
	c.metrics.RecordCircuitBreakerState(key, c.breaker.State(key))

	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) {
		c.metrics.RecordError(pipeErr.Type, req.Method, endpoint)
	} else {
		c.metrics.RecordError(ErrorTypeNetwork, req.Method, endpoint)
	}

	if c.debugEnabled(c.debug.LogCircuit) {
		c.logger.Warn("attempt failed", "requestID", requestID, "endpoint", key, "error", err.Error())
	}
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripper(RoundTripperFunc(c.httpClient.Do))

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

func (c *Client) applyDefaultHeaders(req *http.Request) {
	for k, values := range c.defaultHeaders {
		if req.Header.Get(k) != "" {
			continue
		}
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
}

// attachIdempotencyKey derives a unique token for mutating requests from
// method, URL, body, timestamp and a random salt, so a server-side retry
// of the same logical operation can be deduplicated.
func (c *Client) attachIdempotencyKey(req *http.Request) {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return
	}
	if c.disableIdempotencyKey || req.Header.Get("Idempotency-Key") != "" {
		return
	}

	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte(req.URL.String()))
	if req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			_, _ = io.Copy(h, body)
			_ = body.Close()
		}
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))
	h.Write(ts[:])
	var salt [16]byte
	_, _ = rand.Read(salt[:])
	h.Write(salt[:])

	req.Header.Set("Idempotency-Key", hex.EncodeToString(h.Sum(nil)[:16]))
}

// classifyError maps transport-level failures onto the error taxonomy.
// Errors already carrying pipeline context pass through with the request
// fields filled in.
func (c *Client) classifyError(err error, requestID string, req *http.Request, attempt int, duration time.Duration) error {
	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) {
		if pipeErr.RequestID == "" {
			pipeErr.RequestID = requestID
		}
		if pipeErr.Method == "" {
			pipeErr.Method = req.Method
		}
		if pipeErr.URL == "" {
			pipeErr.URL = req.URL.String()
		}
		pipeErr.Attempt = attempt
		pipeErr.MaxRetries = c.retry.MaxRetries()
		return err
	}

	errType := ErrorTypeNetwork
	message := "network request failed"
	if errors.Is(err, context.DeadlineExceeded) {
		errType = ErrorTypeTimeout
		message = "request attempt timed out"
	}
	return c.newError(errType, message, err, requestID, req, attempt, duration)
}

func (c *Client) newError(errorType, message string, cause error, requestID string, req *http.Request, attempt int, duration time.Duration) *PipelineError {
	return &PipelineError{
		Type:       errorType,
		Message:    message,
		Cause:      cause,
		RequestID:  requestID,
		Method:     req.Method,
		URL:        req.URL.String(),
		Endpoint:   endpointOf(req),
		Attempt:    attempt,
		MaxRetries: c.retry.MaxRetries(),
		Timestamp:  time.Now(),
		Duration:   duration,
	}
}

func (c *Client) newHTTPError(resp *http.Response, requestID string, req *http.Request, attempt int, duration time.Duration) *PipelineError {
	errType := statusCodeErrorType(resp.StatusCode)
	err := c.newError(errType, "server returned "+strconv.Itoa(resp.StatusCode)+" "+http.StatusText(resp.StatusCode), nil, requestID, req, attempt, duration)
	err.StatusCode = resp.StatusCode
	err.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	if id := resp.Header.Get("X-Request-Id"); id != "" && err.RequestID == "" {
		err.RequestID = id
	}
	return err
}

func (c *Client) debugEnabled(flag bool) bool {
	return c.debug != nil && c.debug.Enabled && flag && c.logger != nil
}

// DefaultIsFailure is the breaker classification the executor installs:
// network, timeout, 5xx and rate-limit outcomes count toward the failure
// threshold; client errors and the pipeline's own gating errors do not.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) {
		switch pipeErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit:
			return true
		default:
			return false
		}
	}
	return true
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}
