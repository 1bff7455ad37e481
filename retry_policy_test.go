package ledgerpipe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func respWithStatus(code int) *http.Response {
	return &http.Response{
		StatusCode: code,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestShouldRetryStatusCodes(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxRetries: 3})

	tests := []struct {
		code int
		want bool
	}{
		{http.StatusOK, false},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusNotImplemented, false},
	}
	for _, tt := range tests {
		_, got := p.ShouldRetry(respWithStatus(tt.code), nil, 0)
		if got != tt.want {
			t.Errorf("status %d: retry = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestShouldRetryStopsAtLimit(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxRetries: 2})

	if _, retry := p.ShouldRetry(respWithStatus(503), nil, 1); !retry {
		t.Error("attempt 1 of 2 should retry")
	}
	if _, retry := p.ShouldRetry(respWithStatus(503), nil, 2); retry {
		t.Error("attempt at the limit should not retry")
	}
}

func TestShouldRetryTransientNetworkErrors(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxRetries: 3})

	for _, msg := range []string{
		"dial tcp 10.0.0.1:443: connection refused",
		"read tcp: connection reset by peer",
		"context deadline exceeded",
		"unexpected EOF",
	} {
		if _, retry := p.ShouldRetry(nil, errors.New(msg), 0); !retry {
			t.Errorf("%q should be retryable", msg)
		}
	}

	if _, retry := p.ShouldRetry(nil, errors.New("certificate signed by unknown authority"), 0); retry {
		t.Error("non-transient error should not be retryable")
	}
}

func TestShouldRetryNonRetryableKinds(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxRetries: 3})

	kinds := []string{
		ErrorTypeCircuitOpen,
		ErrorTypeQueueFull,
		ErrorTypePoolReset,
		ErrorTypeBudgetExhausted,
		ErrorTypeValidation,
	}
	for _, kind := range kinds {
		err := &PipelineError{Type: kind, Message: "gated"}
		if _, retry := p.ShouldRetry(nil, err, 0); retry {
			t.Errorf("%s should never be retried", kind)
		}
	}
}

func TestShouldRetryPipelineErrorStatus(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxRetries: 3})

	serverErr := &PipelineError{Type: ErrorTypeServer, StatusCode: 503}
	if _, retry := p.ShouldRetry(nil, serverErr, 0); !retry {
		t.Error("503 error should be retryable")
	}

	clientErr := &PipelineError{Type: ErrorTypeClient, StatusCode: 404}
	if _, retry := p.ShouldRetry(nil, clientErr, 0); retry {
		t.Error("404 error should not be retryable")
	}
}

func TestShouldRetryCustomCondition(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxRetries: 3,
		Condition: func(resp *http.Response, err error) bool {
			return resp != nil && resp.StatusCode == http.StatusTeapot
		},
	})

	if _, retry := p.ShouldRetry(respWithStatus(http.StatusTeapot), nil, 0); !retry {
		t.Error("custom condition should have allowed retry")
	}
	if _, retry := p.ShouldRetry(respWithStatus(503), nil, 0); retry {
		t.Error("custom condition should have suppressed the built-in status set")
	}
}

func TestCustomConditionCannotOverrideGating(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxRetries: 3,
		Condition:  func(resp *http.Response, err error) bool { return true },
	})

	err := &PipelineError{Type: ErrorTypeCircuitOpen}
	if _, retry := p.ShouldRetry(nil, err, 0); retry {
		t.Error("gating errors must stay non-retryable even with a permissive condition")
	}
}

func TestDelayGrowsExponentially(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	})

	prev := time.Duration(-1)
	for attempt := 0; attempt < 5; attempt++ {
		base := p.BaseDelay(attempt)
		if base < prev {
			t.Fatalf("base delay decreased at attempt %d: %v < %v", attempt, base, prev)
		}
		prev = base
	}
	if p.BaseDelay(0) != 100*time.Millisecond {
		t.Errorf("BaseDelay(0) = %v, want 100ms", p.BaseDelay(0))
	}
	if p.BaseDelay(2) != 400*time.Millisecond {
		t.Errorf("BaseDelay(2) = %v, want 400ms", p.BaseDelay(2))
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	})

	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < 200*time.Millisecond || d >= 300*time.Millisecond {
			t.Fatalf("Delay(1) = %v, want [200ms, 300ms)", d)
		}
	}
}

func TestRetryAfterHeaderWins(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
	})

	resp := respWithStatus(429)
	resp.Header.Set("Retry-After", "3")

	delay, retry := p.ShouldRetry(resp, nil, 0)
	if !retry {
		t.Fatal("429 should be retryable")
	}
	if delay != 3*time.Second {
		t.Errorf("delay = %v, want Retry-After's 3s", delay)
	}
}

func TestRetryAfterIgnoredWhenConfigured(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxRetries:       3,
		InitialDelay:     100 * time.Millisecond,
		IgnoreRetryAfter: true,
	})

	resp := respWithStatus(429)
	resp.Header.Set("Retry-After", "30")

	delay, _ := p.ShouldRetry(resp, nil, 0)
	if delay >= time.Second {
		t.Errorf("delay = %v, Retry-After should have been ignored", delay)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"garbage", 0},
		{"99999", time.Hour},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}

	date := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(date)
	if got < 8*time.Second || got > 10*time.Second {
		t.Errorf("parseRetryAfter(date) = %v, want about 10s", got)
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	calls := 0
	resp, err := p.Execute(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
		calls++
		if calls < 3 {
			return respWithStatus(503), &PipelineError{Type: ErrorTypeServer, StatusCode: 503}
		}
		return respWithStatus(200), nil
	})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecuteExhaustionReturnsLastError(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	last := &PipelineError{Type: ErrorTypeServer, StatusCode: 503, Message: "server returned 503"}
	calls := 0
	_, err := p.Execute(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
		calls++
		return nil, last
	})

	if calls != 3 {
		t.Errorf("calls = %d, want initial + 2 retries", calls)
	}
	var pipeErr *PipelineError
	if !errors.As(err, &pipeErr) || pipeErr != last {
		t.Errorf("error = %v, want the last attempt's error unchanged", err)
	}
}

func TestExecuteRespectsContextDuringBackoff(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, func(ctx context.Context, attempt int) (*http.Response, error) {
			calls++
			return nil, &PipelineError{Type: ErrorTypeServer, StatusCode: 503}
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecuteAttemptNumbersAreZeroBased(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	var attempts []int
	p.Execute(context.Background(), func(ctx context.Context, attempt int) (*http.Response, error) {
		attempts = append(attempts, attempt)
		return nil, &PipelineError{Type: ErrorTypeServer, StatusCode: 500}
	})

	want := []int{0, 1, 2}
	if len(attempts) != len(want) {
		t.Fatalf("attempts = %v, want %v", attempts, want)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Errorf("attempt %d numbered %d", i, attempts[i])
		}
	}
}
