package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"
)

func TestStreamError_Error(t *testing.T) {
	err := &StreamError{
		Code:    ErrNotFound,
		Status:  404,
		Message: "cell not found",
	}

	expected := "NOT_FOUND: cell not found"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewInvalidRequest(t *testing.T) {
	err := NewInvalidRequest("cell_id is required")

	if err.Code != ErrInvalidRequest {
		t.Errorf("Code = %q, want %q", err.Code, ErrInvalidRequest)
	}
	if err.Status != 400 {
		t.Errorf("Status = %d, want 400", err.Status)
	}
	if err.Retryable {
		t.Error("validation errors must not be retryable")
	}
}

func TestNewInvalidSessionCode(t *testing.T) {
	err := NewInvalidSessionCode("ABC")

	if err.Code != ErrInvalidRequest {
		t.Errorf("Code = %q, want %q", err.Code, ErrInvalidRequest)
	}
	if err.Details["length"] != 3 {
		t.Errorf("Details[length] = %v, want 3", err.Details["length"])
	}
}

func TestNewMissingField(t *testing.T) {
	err := NewMissingField("teacher_base_url")

	if err.Message != "teacher_base_url is required" {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Details["field"] != "teacher_base_url" {
		t.Errorf("Details[field] = %v", err.Details["field"])
	}
}

func TestNewStoreUnavailable(t *testing.T) {
	cause := io.EOF
	err := NewStoreUnavailable(cause)

	if err.Status != 503 {
		t.Errorf("Status = %d, want 503", err.Status)
	}
	if !err.Retryable {
		t.Error("store unavailable must be retryable")
	}
	if !stderrors.Is(err, io.EOF) {
		t.Error("expected cause to be unwrappable")
	}
}

func TestNewStoreProtocol(t *testing.T) {
	err := NewStoreProtocol(fmt.Errorf("WRONGTYPE"))

	if err.Code != ErrStoreProtocol {
		t.Errorf("Code = %q, want %q", err.Code, ErrStoreProtocol)
	}
	if err.Retryable {
		t.Error("protocol errors must not be retryable")
	}
}

func TestNewUpstreamUnreachable(t *testing.T) {
	tests := []struct {
		name    string
		timeout bool
		status  int
	}{
		{"refused", false, 502},
		{"timeout", true, 504},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewUpstreamUnreachable("cannot reach writer", tt.timeout, nil)
			if err.Status != tt.status {
				t.Errorf("Status = %d, want %d", err.Status, tt.status)
			}
			if !err.Retryable {
				t.Error("upstream unreachable must be retryable")
			}
		})
	}
}

func TestNewUpstreamRejected(t *testing.T) {
	err := NewUpstreamRejected(401, "authentication failed")

	if err.Code != ErrUpstreamRejected {
		t.Errorf("Code = %q, want %q", err.Code, ErrUpstreamRejected)
	}
	if err.Status != 401 {
		t.Errorf("Status = %d, want 401", err.Status)
	}
	if err.Details["upstream_status"] != 401 {
		t.Errorf("Details[upstream_status] = %v", err.Details["upstream_status"])
	}
}

func TestNewInternal(t *testing.T) {
	err := NewInternal(fmt.Errorf("boom"))
	if err.Message != "boom" {
		t.Errorf("Message = %q, want %q", err.Message, "boom")
	}

	err = NewInternal(nil)
	if err.Message != "internal error" {
		t.Errorf("Message = %q, want %q", err.Message, "internal error")
	}
}

func TestIs(t *testing.T) {
	err := NewNotConfigured("writer not configured")

	if !Is(err, ErrNotConfigured) {
		t.Error("Is() should match its own code")
	}
	if Is(err, ErrNotFound) {
		t.Error("Is() should not match a different code")
	}
	if Is(fmt.Errorf("plain"), ErrInternal) {
		t.Error("Is() should not match plain errors")
	}

	wrapped := fmt.Errorf("proxy: %w", err)
	if !Is(wrapped, ErrNotConfigured) {
		t.Error("Is() should see through wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewStoreUnavailable(nil)) {
		t.Error("store unavailable should be retryable")
	}
	if !IsRetryable(fmt.Errorf("wrap: %w", NewUpstreamUnreachable("x", false, nil))) {
		t.Error("wrapped upstream unreachable should be retryable")
	}
	if IsRetryable(NewInvalidRequest("x")) {
		t.Error("invalid request should not be retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors should not be retryable")
	}
}

func TestFrom(t *testing.T) {
	if From(nil) != nil {
		t.Error("From(nil) should be nil")
	}

	typed := NewForbidden("reader may not write")
	if From(fmt.Errorf("wrap: %w", typed)) != typed {
		t.Error("From should return the wrapped StreamError")
	}

	got := From(fmt.Errorf("disk on fire"))
	if got.Code != ErrInternal {
		t.Errorf("Code = %q, want %q", got.Code, ErrInternal)
	}
}

func TestNewThrottled(t *testing.T) {
	err := NewThrottled("1s")
	if err.Code != ErrThrottled {
		t.Errorf("Code = %q, want %q", err.Code, ErrThrottled)
	}
	if err.Status != 429 {
		t.Errorf("Status = %d, want 429", err.Status)
	}
	if !IsRetryable(err) {
		t.Error("throttled errors should be retryable")
	}
	if err.Details["window"] != "1s" {
		t.Errorf("Details[window] = %v, want 1s", err.Details["window"])
	}
}
