package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := New(ErrCodeInvalidInput, "test error")
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error")

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should see the cause through Unwrap")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeInvalidInput, "test error")
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestNewDeviceError(t *testing.T) {
	cause := errors.New("permission denied")
	err := NewDeviceError("camera", cause)

	if err.Code != ErrCodeDeviceUnavailable {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeDeviceUnavailable)
	}
	if err.Context["device"] != "camera" {
		t.Errorf("Context[device] = %v, want camera", err.Context["device"])
	}
	if !errors.Is(err, cause) {
		t.Error("device error should wrap its cause")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeMalformedMessage, http.StatusBadRequest},
		{ErrCodeUnauthorized, http.StatusUnauthorized},
		{ErrCodeRateLimit, http.StatusTooManyRequests},
		{ErrCodeNegotiation, http.StatusInternalServerError},
		{ErrorCode("SOMETHING_NEW"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.code); got != tt.want {
			t.Errorf("StatusFor(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("participant")
	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %v, want 404", err.HTTPStatus)
	}
	if err.Message != "participant not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestGetAppError(t *testing.T) {
	appErr := New(ErrCodeInvalidInput, "test")

	if GetAppError(appErr) != appErr {
		t.Error("GetAppError() should return the AppError itself")
	}

	wrapped := fmt.Errorf("join room: %w", NewMalformedMessageError(errors.New("bad json")))
	result := GetAppError(wrapped)
	if result == nil || result.Code != ErrCodeMalformedMessage {
		t.Errorf("GetAppError() should extract AppError from a wrapped chain, got %v", result)
	}
	if !HasCode(wrapped, ErrCodeMalformedMessage) {
		t.Error("HasCode() should match the wrapped code")
	}

	if GetAppError(errors.New("regular error")) != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
	if GetAppError(nil) != nil {
		t.Error("GetAppError(nil) should be nil")
	}
}
