package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfWrappedError(t *testing.T) {
	inner := NewError(CodePermissionDenied, "rls")
	wrapped := fmt.Errorf("insert row: %w", inner)
	if got := CodeOf(wrapped); got != CodePermissionDenied {
		t.Errorf("CodeOf(wrapped) = %v, want permission_denied", got)
	}
}

func TestCodeOfContextDeadline(t *testing.T) {
	if got := CodeOf(context.DeadlineExceeded); got != CodeTimeout {
		t.Errorf("CodeOf(DeadlineExceeded) = %v, want timeout", got)
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("mystery")); got != CodeUnknown {
		t.Errorf("CodeOf(plain) = %v, want unknown", got)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeUnavailable, true},
		{CodeTimeout, true},
		{CodeUnknown, true},
		{CodeUnauthorized, false},
		{CodePermissionDenied, false},
		{CodePayloadTooLarge, false},
		{CodeUniqueViolation, false},
		{CodeForeignKeyViolation, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := IsRetryable(NewError(tt.code, "x")); got != tt.want {
				t.Errorf("IsRetryable(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestIsAuthAndIsConnectivity(t *testing.T) {
	if !IsAuth(NewError(CodeUnauthorized, "")) || !IsAuth(NewError(CodePermissionDenied, "")) {
		t.Error("IsAuth misses auth codes")
	}
	if IsAuth(NewError(CodeTimeout, "")) {
		t.Error("IsAuth reports timeout as auth")
	}
	if !IsConnectivity(NewError(CodeUnavailable, "")) || !IsConnectivity(NewError(CodeTimeout, "")) {
		t.Error("IsConnectivity misses connectivity codes")
	}
	if IsConnectivity(NewError(CodeUniqueViolation, "")) {
		t.Error("IsConnectivity reports conflict as connectivity")
	}
}

func TestNilErrorHasEmptyCode(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
}
