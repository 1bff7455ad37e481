package ledgerpipe

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle
// and every pipeline stage. All methods are nil-receiver safe so callers
// never need to guard instrumentation sites.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	poolActive     *prometheus.GaugeVec
	poolQueued     *prometheus.GaugeVec
	poolRejections *prometheus.CounterVec

	coalescingHits *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec

	budgetExhausted *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer; pass a fresh prometheus.NewRegistry() for isolated tests.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerpipe_requests_total",
				Help: "Total number of HTTP requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerpipe_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerpipe_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerpipe_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerpipe_circuit_breaker_state",
				Help: "Current circuit breaker state per endpoint key (0=closed, 1=open, 2=half-open)",
			},
			[]string{"key"},
		),
		poolActive: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerpipe_pool_active_connections",
				Help: "Active in-flight requests per host",
			},
			[]string{"host"},
		),
		poolQueued: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerpipe_pool_queued_requests",
				Help: "Requests waiting in a host's pending queue",
			},
			[]string{"host"},
		),
		poolRejections: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerpipe_pool_rejections_total",
				Help: "Requests rejected by the pool, by reason",
			},
			[]string{"host", "reason"},
		),
		coalescingHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerpipe_coalescing_hits_total",
				Help: "GET requests that joined an identical in-flight call",
			},
			[]string{"method", "endpoint"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerpipe_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"method", "endpoint"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerpipe_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"method", "endpoint"},
		),
		cacheSize: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerpipe_cache_size",
				Help: "Current number of entries in the response cache",
			},
			[]string{"name"},
		),
		budgetExhausted: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerpipe_budget_exhausted_total",
				Help: "Calls abandoned because the timeout budget was spent",
			},
			[]string{"endpoint"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerpipe_errors_total",
				Help: "Total number of errors encountered, by kind",
			},
			[]string{"type", "method", "endpoint"},
		),
		registerer: registry,
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	code := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, code, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, code, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets the state gauge for an endpoint key.
func (mc *MetricsCollector) RecordCircuitBreakerState(key string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(key).Set(float64(state))
}

// RecordPoolActive sets the active-connection gauge for a host.
func (mc *MetricsCollector) RecordPoolActive(host string, active int) {
	if mc == nil {
		return
	}
	mc.poolActive.WithLabelValues(host).Set(float64(active))
}

// RecordPoolQueued sets the queued-request gauge for a host.
func (mc *MetricsCollector) RecordPoolQueued(host string, queued int) {
	if mc == nil {
		return
	}
	mc.poolQueued.WithLabelValues(host).Set(float64(queued))
}

// RecordPoolRejection increments the rejection counter for a host.
func (mc *MetricsCollector) RecordPoolRejection(host, reason string) {
	if mc == nil {
		return
	}
	mc.poolRejections.WithLabelValues(host, reason).Inc()
}

// RecordCoalescingHit increments the coalescing hit counter.
func (mc *MetricsCollector) RecordCoalescingHit(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.coalescingHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheSize sets the cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(name string, size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.WithLabelValues(name).Set(float64(size))
}

// RecordBudgetExhausted increments the budget exhaustion counter.
func (mc *MetricsCollector) RecordBudgetExhausted(endpoint string) {
	if mc == nil {
		return
	}
	mc.budgetExhausted.WithLabelValues(endpoint).Inc()
}

// RecordError increments the error counter by kind.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// Registry exposes the underlying registry when the collector was built on
// one, for serving via promhttp.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	if r, ok := mc.registerer.(*prometheus.Registry); ok {
		return r
	}
	return nil
}
