package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a SwarmError, it wraps it with the new message.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		wrapped := &Error{
			code:          swarmErr.code,
			category:      swarmErr.category,
			message:       message,
			cause:         err,
			metadata:      swarmErr.Metadata(),
			retryable:     swarmErr.retryable,
			participantID: swarmErr.participantID,
			taskID:        swarmErr.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	// Check for context errors
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	// Default to internal error for unknown errors
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsError extracts an *Error from an error chain.
// Returns nil if the chain holds none.
func AsError(err error) *Error {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.Retryable()
	}
	// Default to not retryable for plain errors
	return false
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not a SwarmError.
func Code(err error) ErrorCode {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.code
	}
	return ""
}

// Category extracts the error category from an error, if available.
// Returns empty string if err is not a SwarmError.
func Category(err error) ErrorCategory {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.category
	}
	return ""
}

// GetMetadata extracts metadata from an error.
// Returns nil if err is not a SwarmError.
func GetMetadata(err error) map[string]string {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.Metadata()
	}
	return nil
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
