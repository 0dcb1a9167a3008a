package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// SwarmError is the interface for all structured errors raised by the
// orchestrator's registries and router. It extends the standard error
// interface with the code that travels to participants in error messages.
type SwarmError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of SwarmError.
type Error struct {
	code          ErrorCode
	category      ErrorCategory
	message       string
	cause         error
	metadata      map[string]string
	retryable     *bool // nil means use default based on category
	timestamp     time.Time
	participantID string
	taskID        string
}

var (
	_ SwarmError       = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Message returns the message without the cause chain.
func (e *Error) Message() string {
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// ParticipantID returns the participant the error concerns, if set.
func (e *Error) ParticipantID() string {
	return e.participantID
}

// TaskID returns the related task ID, if set.
func (e *Error) TaskID() string {
	return e.taskID
}

type errorJSON struct {
	Code          ErrorCode         `json:"code"`
	Category      ErrorCategory     `json:"category"`
	Message       string            `json:"message"`
	Cause         string            `json:"cause,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Retryable     bool              `json:"retryable"`
	Timestamp     string            `json:"timestamp,omitempty"`
	ParticipantID string            `json:"participant_id,omitempty"`
	TaskID        string            `json:"task_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:          e.code,
		Category:      e.category,
		Message:       e.message,
		Metadata:      e.metadata,
		Retryable:     e.Retryable(),
		ParticipantID: e.participantID,
		TaskID:        e.taskID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.participantID = j.ParticipantID
	e.taskID = j.TaskID
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithParticipantID sets the participant the error concerns.
func WithParticipantID(id string) Option {
	return func(e *Error) {
		e.participantID = id
	}
}

// WithTaskID sets the related task ID.
func WithTaskID(id string) Option {
	return func(e *Error) {
		e.taskID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string, opts ...Option) *Error {
	return New(ErrCodeUnauthorized, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// TaskNotFound creates a not found error for a task.
func TaskNotFound(taskID string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID)}, opts...)
	return New(ErrCodeNotFound, fmt.Sprintf("task %s not found", taskID), opts...)
}

// ParticipantNotFound creates a not found error for a participant reference
// (id, connection or name).
func ParticipantNotFound(ref string, opts ...Option) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("participant %s not found", ref), opts...)
}

// ParticipantOffline creates an error for a participant that is registered
// but has no live connection.
func ParticipantOffline(participantID string, opts ...Option) *Error {
	opts = append([]Option{WithParticipantID(participantID)}, opts...)
	return New(ErrCodeAgentOffline, fmt.Sprintf("participant %s is offline", participantID), opts...)
}

// InvalidTransition creates a state machine violation error.
func InvalidTransition(taskID, from, to string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID), WithMetadata("from", from), WithMetadata("to", to)}, opts...)
	return New(ErrCodeInvalidTransition, fmt.Sprintf("task %s cannot move from %s to %s", taskID, from, to), opts...)
}

// DuplicateConnection creates an error for a connection that is already
// registered online.
func DuplicateConnection(connectionID string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("connection_id", connectionID)}, opts...)
	return New(ErrCodeDuplicateConnection, fmt.Sprintf("connection %s is already registered", connectionID), opts...)
}

// TransportFailure creates a send/receive failure error.
func TransportFailure(connectionID string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("connection_id", connectionID), WithCause(cause)}, opts...)
	return New(ErrCodeTransportFailure, fmt.Sprintf("delivery to connection %s failed", connectionID), opts...)
}
