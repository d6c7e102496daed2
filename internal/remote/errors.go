package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Code classifies a backend error for the retry layer.
type Code string

const (
	CodeUniqueViolation     Code = "unique_violation"
	CodeForeignKeyViolation Code = "foreign_key_violation"
	CodePermissionDenied    Code = "permission_denied"
	CodeUnauthorized        Code = "unauthorized"
	CodePayloadTooLarge     Code = "payload_too_large"
	CodeUnavailable         Code = "unavailable"
	CodeTimeout             Code = "timeout"
	CodeUnknown             Code = "unknown"
)

// Error is a classified failure from the remote data service.
type Error struct {
	Code    Code
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
}

// NewError builds a classified error.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// CodeOf extracts the classification code from err, mapping transport-level
// failures (dial errors, timeouts, cancelled contexts) to connectivity codes.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CodeTimeout
		}
		return CodeUnavailable
	}
	return CodeUnknown
}

// IsAuth reports whether err is an authentication or authorization failure.
func IsAuth(err error) bool {
	switch CodeOf(err) {
	case CodeUnauthorized, CodePermissionDenied:
		return true
	}
	return false
}

// IsConnectivity reports whether err indicates the service is unreachable.
func IsConnectivity(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeTimeout:
		return true
	}
	return false
}

// IsRetryable reports whether a retry with backoff could plausibly succeed.
// Auth failures, conflicts, referential violations and oversized payloads
// never become retryable by waiting.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnauthorized, CodePermissionDenied, CodePayloadTooLarge,
		CodeUniqueViolation, CodeForeignKeyViolation:
		return false
	}
	return true
}
