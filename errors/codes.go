package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: correlation timeouts, a target participant that is offline.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown task, invalid state transition, malformed frame.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or quota issues.
	// Examples: per-connection rate limiting, full send buffers.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
// Codes travel on the wire in the "code" field of error messages.
type ErrorCode string

// Error codes for orchestrator failure scenarios.
const (
	// Transient errors
	ErrCodeTimeout          ErrorCode = "TIMEOUT"           // Correlation deadline elapsed
	ErrCodeAgentOffline     ErrorCode = "AGENT_OFFLINE"     // Target participant is registered but offline
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_FAILURE" // Send or receive failed on a connection
	ErrCodeUnavailable      ErrorCode = "UNAVAILABLE"       // Component shutting down

	// Permanent errors
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"            // Participant, task or pending entry absent
	ErrCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"   // Task state machine violation
	ErrCodeInvalidTask         ErrorCode = "INVALID_TASK"         // Task data missing required fields
	ErrCodeInvalidInput        ErrorCode = "INVALID_INPUT"        // Malformed or invalid input
	ErrCodeUnknownStatus       ErrorCode = "UNKNOWN_STATUS"       // Status vocabulary not recognised
	ErrCodeDecode              ErrorCode = "DECODE_ERROR"         // Frame or payload could not be decoded
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"         // Manifest/capability check failed
	ErrCodeDuplicateConnection ErrorCode = "DUPLICATE_CONNECTION" // Connection already registered online
	ErrCodeAlreadyExists       ErrorCode = "ALREADY_EXISTS"       // Record with that id already exists
	ErrCodePrecondition        ErrorCode = "PRECONDITION"         // Sender must register first
	ErrCodeUnsupported         ErrorCode = "UNSUPPORTED"          // Message type not handled
	ErrCodeCanceled            ErrorCode = "CANCELED"             // Operation was canceled
	ErrCodeServiceFailure      ErrorCode = "SERVICE_FAILURE"      // Service reported an error for a call

	// Resource errors
	ErrCodeRateLimit ErrorCode = "RATE_LIMITED" // Per-connection message rate exceeded

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeAgentOffline, ErrCodeTransportFailure, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeInvalidTransition, ErrCodeInvalidTask, ErrCodeInvalidInput,
		ErrCodeUnknownStatus, ErrCodeDecode, ErrCodeUnauthorized, ErrCodeDuplicateConnection,
		ErrCodeAlreadyExists, ErrCodePrecondition, ErrCodeUnsupported, ErrCodeCanceled,
		ErrCodeServiceFailure:
		return CategoryPermanent

	case ErrCodeRateLimit:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:             "operation timed out",
	ErrCodeAgentOffline:        "participant is offline",
	ErrCodeTransportFailure:    "transport failure",
	ErrCodeUnavailable:         "service unavailable",
	ErrCodeNotFound:            "resource not found",
	ErrCodeInvalidTransition:   "invalid task state transition",
	ErrCodeInvalidTask:         "invalid task",
	ErrCodeInvalidInput:        "invalid input provided",
	ErrCodeUnknownStatus:       "unknown task status",
	ErrCodeDecode:              "message could not be decoded",
	ErrCodeUnauthorized:        "not authorized",
	ErrCodeDuplicateConnection: "connection already registered",
	ErrCodeAlreadyExists:       "resource already exists",
	ErrCodePrecondition:        "precondition failed",
	ErrCodeUnsupported:         "operation not supported",
	ErrCodeCanceled:            "operation canceled",
	ErrCodeServiceFailure:      "service call failed",
	ErrCodeRateLimit:           "rate limit exceeded",
	ErrCodeInternal:            "internal error",
	ErrCodePanic:               "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
