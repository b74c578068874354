package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeNetwork,
				Operation: "dial",
				Message:   "pool unreachable",
				Cause:     errors.New("connection refused"),
			},
			expected: "network: dial: pool unreachable: connection refused",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeProtocol,
				Operation: "mining.notify",
				Message:   "missing merkle branch",
			},
			expected: "protocol: mining.notify: missing merkle branch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypePolicy, "reject", "too many rejects").
		WithContext("pool", "p0").
		WithContext("rejects", 11)

	if len(err.Context) != 2 {
		t.Fatalf("Expected 2 context items, got %d", len(err.Context))
	}
	if GetContext(err)["pool"] != "p0" {
		t.Errorf("Expected pool = p0, got %v", err.Context["pool"])
	}
	if GetContext(fmt.Errorf("plain")) != nil {
		t.Error("Expected nil context for plain error")
	}
}

func TestNew_Retryability(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeStorage, true},
		{ErrorTypeMessaging, true},
		{ErrorTypeProtocol, false},
		{ErrorTypeStale, false},
		{ErrorTypePolicy, false},
		{ErrorTypeResource, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Retryable != tt.retryable {
				t.Errorf("New(%s).Retryable = %v, want %v", tt.errorType, err.Retryable, tt.retryable)
			}
			if err.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "op", "msg") != nil {
		t.Fatal("Wrap(nil) should return nil")
	}

	cause := errors.New("connection reset by peer")
	err := Wrap(cause, ErrorTypeProtocol, "read", "session lost")
	if !errors.Is(err, cause) {
		t.Error("wrapped error should unwrap to cause")
	}
	if !err.Retryable {
		t.Error("connection reset should be retryable")
	}

	inner := New(ErrorTypeStale, "submit", "session changed")
	outer := Wrap(inner, ErrorTypeNetwork, "submit", "send share")
	if outer.Retryable {
		t.Error("wrapping a non-retryable ServiceError keeps it non-retryable")
	}
	if !IsType(outer, ErrorTypeStale) {
		t.Error("IsType should find the inner stale type")
	}
	if !IsType(outer, ErrorTypeNetwork) {
		t.Error("IsType should find the outer network type")
	}

	canceled := Wrap(context.Canceled, ErrorTypeNetwork, "dial", "canceled")
	if canceled.Retryable {
		t.Error("context cancellation must not be retryable")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(New(ErrorTypeResource, "alloc", "out of memory")) {
		t.Error("resource errors are fatal")
	}
	if IsFatal(New(ErrorTypeNetwork, "dial", "refused")) {
		t.Error("network errors are not fatal")
	}
	if IsFatal(errors.New("plain")) {
		t.Error("plain errors are not fatal")
	}
}

func TestIsRetryable_PlainErrors(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("i/o timeout"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("bad json"), false},
		{context.DeadlineExceeded, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
