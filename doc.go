// Package ledgerpipe is the resilient HTTP transport pipeline used by
// ledger-platform client SDKs. Every API call the higher-level entity
// services make flows through one *Client, which composes:
//
//   - Connection pooling with per-host and global caps, bounded FIFO
//     queueing, and coalescing of identical in-flight GETs
//   - Circuit breaking per logical endpoint (closed / open / half-open,
//     rolling failure window, periodic sweep of idle breakers)
//   - Retries with exponential backoff + jitter, Retry-After awareness,
//     and transient-error classification
//   - Timeout budgeting so the sum of retry attempts never exceeds the
//     caller's total deadline
//   - Short-TTL response caching (optionally LRU) keyed by a request
//     fingerprint that ignores header ordering
//   - Prometheus metrics, pluggable tracing hooks and structured debug
//     logging
//
// Design goals:
//   - Small surface area – functional options configure everything
//   - Safe concurrent use of a single *Client instance
//   - Callers receive either a response or a typed *PipelineError with
//     enough structure (status code, kind, retry-after) to act on
//
// Typical usage:
//
//	client := ledgerpipe.New(
//	    ledgerpipe.WithMaxRetries(3),
//	    ledgerpipe.WithConnectionPool(ledgerpipe.PoolConfig{MaxConnsPerHost: 8}),
//	    ledgerpipe.WithCache(time.Minute),
//	    ledgerpipe.WithCircuitBreaker(ledgerpipe.CircuitBreakerConfig{}),
//	    ledgerpipe.WithTimeoutBudget(30*time.Second),
//	)
//	resp, err := client.Get(ctx, "https://ledger.example.com/v1/accounts/123")
//
// The pipeline knows nothing about ledger semantics: entity services hand
// it fully formed requests and get back a response or a typed error.
package ledgerpipe
