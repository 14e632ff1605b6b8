// Package errors defines the coded errors that cross process boundaries:
// HTTP responses from the relay and error messages on the signaling socket.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeMalformedMessage   ErrorCode = "MALFORMED_MESSAGE"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeDeviceUnavailable  ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeNegotiation        ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

var statusByCode = map[ErrorCode]int{
	ErrCodeInvalidInput:       http.StatusBadRequest,
	ErrCodeMalformedMessage:   http.StatusBadRequest,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeRateLimit:          http.StatusTooManyRequests,
	ErrCodeDeviceUnavailable:  http.StatusServiceUnavailable,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
}

// StatusFor maps a code to its HTTP status. Unknown codes are 500.
func StatusFor(code ErrorCode) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a detail that is logged and, for HTTP, returned
// under "details".
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: StatusFor(code),
	}
}

func WrapError(err error, code ErrorCode, message string) *AppError {
	e := New(code, message)
	e.Cause = err
	return e
}

func NewInvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

func NewMalformedMessageError(err error) *AppError {
	return WrapError(err, ErrCodeMalformedMessage, "malformed signaling message")
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, resource+" not found")
}

func NewRateLimitError() *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded")
}

// NewDeviceError reports a capture failure (permission denied, device busy).
// These are shown to the user and never retried automatically.
func NewDeviceError(device string, err error) *AppError {
	return WrapError(err, ErrCodeDeviceUnavailable, device+" unavailable").
		WithContext("device", device)
}

func NewNegotiationError(peerID string, err error) *AppError {
	return WrapError(err, ErrCodeNegotiation, "negotiation failed").
		WithContext("peer_id", peerID)
}

func NewServiceUnavailableError(message string) *AppError {
	return New(ErrCodeServiceUnavailable, message)
}

// GetAppError returns the first AppError in err's chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
