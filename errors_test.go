package ledgerpipe

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestPipelineErrorMessage(t *testing.T) {
	err := &PipelineError{
		Type:    ErrorTypeServer,
		Message: "server returned 503 Service Unavailable",
	}
	got := err.Error()
	if !strings.Contains(got, "Server") || !strings.Contains(got, "503") {
		t.Errorf("Error() = %q", got)
	}
}

func TestPipelineErrorIncludesAttemptAndRequestID(t *testing.T) {
	err := &PipelineError{
		Type:       ErrorTypeNetwork,
		Message:    "network request failed",
		RequestID:  "req-42",
		Attempt:    2,
		MaxRetries: 3,
	}
	got := err.Error()
	if !strings.Contains(got, "req-42") {
		t.Errorf("Error() missing request ID: %q", got)
	}
	if !strings.Contains(got, "attempt 2/3") {
		t.Errorf("Error() missing attempt info: %q", got)
	}
}

func TestPipelineErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &PipelineError{Type: ErrorTypeNetwork, Message: "network request failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach the cause")
	}
	if errors.Unwrap(err) != cause {
		t.Error("Unwrap did not return the cause")
	}
}

func TestPipelineErrorIsSentinels(t *testing.T) {
	tests := []struct {
		errType  string
		sentinel error
	}{
		{ErrorTypeCircuitOpen, ErrCircuitOpen},
		{ErrorTypeQueueFull, ErrQueueFull},
		{ErrorTypePoolReset, ErrPoolReset},
		{ErrorTypeBudgetExhausted, ErrBudgetExhausted},
	}
	for _, tt := range tests {
		err := &PipelineError{Type: tt.errType, Message: "gated"}
		if !errors.Is(err, tt.sentinel) {
			t.Errorf("%s does not match its sentinel", tt.errType)
		}
	}

	server := &PipelineError{Type: ErrorTypeServer}
	if errors.Is(server, ErrCircuitOpen) {
		t.Error("server error matched the circuit sentinel")
	}
}

func TestPipelineErrorIsSameType(t *testing.T) {
	a := &PipelineError{Type: ErrorTypeTimeout, Message: "a"}
	b := &PipelineError{Type: ErrorTypeTimeout, Message: "b"}
	c := &PipelineError{Type: ErrorTypeClient, Message: "c"}

	if !errors.Is(a, b) {
		t.Error("same-type pipeline errors should match")
	}
	if errors.Is(a, c) {
		t.Error("different-type pipeline errors should not match")
	}
}

func TestPipelineErrorWrappedChain(t *testing.T) {
	inner := &PipelineError{Type: ErrorTypeCircuitOpen, Message: "circuit breaker is open", Cause: ErrCircuitOpen}
	outer := fmt.Errorf("ledger fetch: %w", inner)

	if !errors.Is(outer, ErrCircuitOpen) {
		t.Error("sentinel not found through the wrap chain")
	}
	var pipeErr *PipelineError
	if !errors.As(outer, &pipeErr) || pipeErr.Type != ErrorTypeCircuitOpen {
		t.Error("errors.As did not recover the pipeline error")
	}
}

func TestStatusCodeErrorType(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{400, ErrorTypeClient},
		{404, ErrorTypeClient},
		{408, ErrorTypeTimeout},
		{429, ErrorTypeRateLimit},
		{500, ErrorTypeServer},
		{503, ErrorTypeServer},
	}
	for _, tt := range tests {
		if got := statusCodeErrorType(tt.code); got != tt.want {
			t.Errorf("statusCodeErrorType(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		&PipelineError{Type: ErrorTypeNetwork},
		&PipelineError{Type: ErrorTypeTimeout},
		&PipelineError{Type: ErrorTypeServer, StatusCode: 503},
		&PipelineError{Type: ErrorTypeRateLimit, StatusCode: 429},
		&PipelineError{Type: ErrorTypeCircuitOpen},
		&PipelineError{Type: ErrorTypeClient, StatusCode: 429},
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Errorf("IsTransient(%v) = false, want true", err)
		}
	}

	terminal := []error{
		nil,
		&PipelineError{Type: ErrorTypeClient, StatusCode: 404},
		&PipelineError{Type: ErrorTypeValidation},
	}
	for _, err := range terminal {
		if IsTransient(err) {
			t.Errorf("IsTransient(%v) = true, want false", err)
		}
	}
}

func TestDefaultIsFailure(t *testing.T) {
	if DefaultIsFailure(nil) {
		t.Error("nil error counted as failure")
	}
	if !DefaultIsFailure(&PipelineError{Type: ErrorTypeServer, StatusCode: 500}) {
		t.Error("server error not counted as failure")
	}
	if DefaultIsFailure(&PipelineError{Type: ErrorTypeClient, StatusCode: 404}) {
		t.Error("client error counted as failure")
	}
	if DefaultIsFailure(&PipelineError{Type: ErrorTypeCircuitOpen}) {
		t.Error("circuit gate counted as failure")
	}
	if !DefaultIsFailure(errors.New("raw transport error")) {
		t.Error("untyped error not counted as failure")
	}
}

func TestDebugInfo(t *testing.T) {
	err := &PipelineError{
		Type:       ErrorTypeServer,
		Message:    "server returned 503 Service Unavailable",
		RequestID:  "req-7",
		Method:     "GET",
		URL:        "https://api.ledger.test/v1/entries",
		StatusCode: 503,
		RetryAfter: 2 * time.Second,
		Attempt:    1,
		MaxRetries: 3,
	}
	info := err.DebugInfo()
	for _, want := range []string{"req-7", "GET", "503", "https://api.ledger.test/v1/entries"} {
		if !strings.Contains(info, want) {
			t.Errorf("DebugInfo missing %q:\n%s", want, info)
		}
	}
}
