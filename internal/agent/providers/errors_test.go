package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want FailureReason
	}{
		{"request timeout after 30s", ReasonTimeout},
		{"context deadline exceeded", ReasonTimeout},
		{"401 unauthorized", ReasonAuth},
		{"429 Too Many Requests", ReasonRateLimit},
		{"invalid api key provided", ReasonAuth},
		{"insufficient_quota: check your plan", ReasonBilling},
		{"model_not_found: gpt-9", ReasonModelUnavailable},
		{"503 service unavailable", ReasonServerError},
		{"dial tcp: connection refused", ReasonServerError},
		{"something odd happened", ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := ClassifyError(errors.New(tt.msg)); got != tt.want {
				t.Errorf("ClassifyError(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}

	if got := ClassifyError(nil); got != ReasonUnknown {
		t.Errorf("ClassifyError(nil) = %s", got)
	}
	if got := ClassifyError(context.DeadlineExceeded); got != ReasonTimeout {
		t.Errorf("ClassifyError(DeadlineExceeded) = %s", got)
	}
}

func TestProviderErrorStatusAndCode(t *testing.T) {
	err := NewProviderError("anthropic", "claude", errors.New("boom")).WithStatus(http.StatusTooManyRequests)
	if err.Reason != ReasonRateLimit {
		t.Fatalf("reason after status = %s", err.Reason)
	}
	err.WithCode("overloaded_error")
	if err.Reason != ReasonServerError {
		t.Fatalf("reason after code = %s", err.Reason)
	}
	err.WithCode("not_a_known_code")
	if err.Reason != ReasonServerError {
		t.Fatalf("unknown code changed reason to %s", err.Reason)
	}

	msg := err.Error()
	for _, part := range []string{"[server_error]", "anthropic", "model=claude", "status=429", "boom"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	wrapped := fmt.Errorf("turn failed: %w", NewProviderError("openai", "gpt-4o", errors.New("x")).WithStatus(http.StatusUnauthorized))
	if IsRetryable(wrapped) {
		t.Error("auth failure should not be retryable")
	}
	if _, ok := GetProviderError(wrapped); !ok {
		t.Error("GetProviderError did not unwrap")
	}
	if !IsRetryable(errors.New("502 bad gateway")) {
		t.Error("plain server error should be retryable")
	}
	if IsRetryable(errors.New("invalid_request_error")) {
		t.Error("unclassified error should not be retryable")
	}
}
