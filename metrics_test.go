package ledgerpipe

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func TestMetricsCollectorRecords(t *testing.T) {
	registry := newTestRegistry()
	mc := NewMetricsCollectorWithRegistry(registry)

	mc.RecordRequestStart("GET", "ledger.test/entries")
	mc.RecordRequest("GET", "ledger.test/entries", 200, 42*time.Millisecond)
	mc.RecordRequestEnd("GET", "ledger.test/entries")
	mc.RecordRetry("GET", "ledger.test/entries", 1)
	mc.RecordCircuitBreakerState("GET ledger.test/entries", StateOpen)
	mc.RecordPoolActive("ledger.test", 3)
	mc.RecordPoolQueued("ledger.test", 2)
	mc.RecordPoolRejection("ledger.test", "queue_full")
	mc.RecordCoalescingHit("GET", "ledger.test/entries")
	mc.RecordCacheHit("GET", "ledger.test/entries")
	mc.RecordCacheMiss("GET", "ledger.test/entries")
	mc.RecordCacheSize("default", 17)
	mc.RecordBudgetExhausted("ledger.test/entries")
	mc.RecordError(ErrorTypeServer, "GET", "ledger.test/entries")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"ledgerpipe_requests_total",
		"ledgerpipe_request_duration_seconds",
		"ledgerpipe_requests_in_flight",
		"ledgerpipe_retries_total",
		"ledgerpipe_circuit_breaker_state",
		"ledgerpipe_pool_active_connections",
		"ledgerpipe_pool_queued_requests",
		"ledgerpipe_pool_rejections_total",
		"ledgerpipe_coalescing_hits_total",
		"ledgerpipe_cache_hits_total",
		"ledgerpipe_cache_misses_total",
		"ledgerpipe_cache_size",
		"ledgerpipe_budget_exhausted_total",
		"ledgerpipe_errors_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered; have %v", want, names)
		}
	}
}

func TestNilMetricsCollectorIsSafe(t *testing.T) {
	var mc *MetricsCollector

	mc.RecordRequestStart("GET", "e")
	mc.RecordRequest("GET", "e", 200, time.Millisecond)
	mc.RecordRequestEnd("GET", "e")
	mc.RecordRetry("GET", "e", 1)
	mc.RecordCircuitBreakerState("k", StateClosed)
	mc.RecordPoolActive("h", 1)
	mc.RecordPoolQueued("h", 1)
	mc.RecordPoolRejection("h", "queue_full")
	mc.RecordCoalescingHit("GET", "e")
	mc.RecordCacheHit("GET", "e")
	mc.RecordCacheMiss("GET", "e")
	mc.RecordCacheSize("default", 1)
	mc.RecordBudgetExhausted("e")
	mc.RecordError(ErrorTypeNetwork, "GET", "e")
}
