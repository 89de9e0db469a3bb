package blkvirt

import (
	"errors"
	"fmt"
)

// Error represents a structured virtualiser error with context
type Error struct {
	Op     string    // Operation that failed (e.g., "translate", "discover")
	Client int       // Client ID (-1 if not applicable)
	Code   ErrorCode // High-level error category
	Msg    string    // Human-readable message
	Inner  error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if e.Client >= 0 {
		return fmt.Sprintf("blkvirt: %s (op=%s client=%d)", msg, e.Op, e.Client)
	}
	if e.Op != "" {
		return fmt.Sprintf("blkvirt: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("blkvirt: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by comparing error codes
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeOutOfBounds       ErrorCode = "out of bounds"
	ErrCodeMisaligned        ErrorCode = "misaligned offset"
	ErrCodeNotReady          ErrorCode = "not ready"
	ErrCodeDiscovery         ErrorCode = "partition discovery failed"
	ErrCodeResource          ErrorCode = "resource exhausted"
	ErrCodeProtocol          ErrorCode = "protocol violation"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Client: -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewClientError creates a new client-scoped error
func NewClientError(op string, client int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Client: client,
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an existing error with virtualiser context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ve, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Client: ve.Client,
			Code:   ve.Code,
			Msg:    ve.Msg,
			Inner:  ve.Inner,
		}
	}

	return &Error{
		Op:     op,
		Client: -1,
		Code:   ErrCodeProtocol,
		Msg:    inner.Error(),
		Inner:  inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}
