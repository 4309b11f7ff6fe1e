// Package errors provides application-level errors with stable string codes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// AppError represents an application-level error with a code and optional cause.
type AppError struct {
	Code    string
	Message string
	Cause   error
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

// New creates a new AppError.
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Code extracts the application error code from err, walking the wrap chain.
// Returns the empty string when err carries no AppError.
func Code(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given application error code.
func HasCode(err error, code string) bool {
	return err != nil && Code(err) == code
}

// Error codes
const (
	ErrCodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	ErrCodeSessionStart         = "SESSION_START_FAILED"
	ErrCodeEngineInvoke         = "ENGINE_INVOKE_FAILED"
	ErrCodeApprovalRelay        = "APPROVAL_RELAY_FAILED"
	ErrCodeStoreOpen            = "STORE_OPEN_FAILED"
	ErrCodeStoreRead            = "STORE_READ_FAILED"
	ErrCodeStoreWrite           = "STORE_WRITE_FAILED"
	ErrCodeStoreDelete          = "STORE_DELETE_FAILED"
	ErrCodeConfigInvalid        = "CONFIG_INVALID"
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeAuthFailed           = "AUTH_FAILED"
)
