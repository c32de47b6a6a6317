// Package errors provides the structured error kinds used at every
// data-source and sampler boundary. The code tells the tick loop how to
// react: degrade a single field, reject a configuration, or give up on a
// single collection target.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure.
type ErrorCode string

const (
	// ErrCodeSourceUnavailable means a pseudo-file, command, or sensor could
	// not be read (missing file, permission denied, no session).
	ErrCodeSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE"
	// ErrCodeParseMalformed means raw text was read but did not have the
	// expected shape.
	ErrCodeParseMalformed ErrorCode = "PARSE_MALFORMED"
	// ErrCodeConfigInvalid means the configuration cannot be used.
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"
	// ErrCodeRemoteSession means the remote session could not be set up or
	// was lost.
	ErrCodeRemoteSession ErrorCode = "REMOTE_SESSION"
	// ErrCodeInternal is anything else.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// StructuredError carries a code, a message, the underlying cause and
// optional key/value context for logging.
type StructuredError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is and errors.As support.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new StructuredError with the given code and message.
func New(code ErrorCode, message string) *StructuredError {
	return &StructuredError{Code: code, Message: message}
}

// Newf is New with a format string.
func Newf(code ErrorCode, format string, args ...any) *StructuredError {
	return &StructuredError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code ErrorCode, message string, cause error) *StructuredError {
	return &StructuredError{Code: code, Message: message, Cause: cause}
}

// WrapWithContext wraps an error and attaches context information.
func WrapWithContext(code ErrorCode, message string, cause error, context map[string]any) *StructuredError {
	return &StructuredError{Code: code, Message: message, Cause: cause, Context: context}
}

// CodeOf returns the code of the first StructuredError in err's chain,
// or ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
