package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error by the component that raised it and by how
// the engine reacts to it.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a malformed request, such as an
	// invalid subroutine or an unknown priority. The offending call is
	// rejected and no state changes.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassExecution indicates that a function call failed in its
	// domain. It never aborts a tick; it is routed through the retry tracker.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassQueue indicates a positional queue operation was rejected.
	ErrorClassQueue ErrorClass = "queue"

	// ErrorClassTransport indicates a callback could not be delivered.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassStorage indicates the underlying store failed. The write
	// batch of the offending call is discarded.
	ErrorClassStorage ErrorClass = "storage"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// ExecutionID is the batch that caused the error, if applicable.
	ExecutionID uint64 `json:"execution_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.ExecutionID != 0 {
		msg = fmt.Sprintf("%s (execution_id=%d)", msg, e.ExecutionID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConfiguration, Message: message, Err: err}
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassExecution, Message: message, Err: err}
}

// NewQueueError creates a new queue error.
func NewQueueError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassQueue, Message: message, Err: err}
}

// NewTransportError creates a new transport error.
func NewTransportError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransport, Message: message, Err: err}
}

// NewStorageError creates a new storage error.
func NewStorageError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassStorage, Message: message, Err: err}
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithExecutionID adds the batch execution id to an error.
func (e *EngineError) WithExecutionID(id uint64) *EngineError {
	e.ExecutionID = id
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func isClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsConfiguration returns true if the error is classified as configuration.
func IsConfiguration(err error) bool {
	return isClass(err, ErrorClassConfiguration)
}

// IsExecution returns true if the error is classified as execution.
func IsExecution(err error) bool {
	return isClass(err, ErrorClassExecution)
}

// IsQueue returns true if the error is classified as queue.
func IsQueue(err error) bool {
	return isClass(err, ErrorClassQueue)
}

// IsTransport returns true if the error is classified as transport.
func IsTransport(err error) bool {
	return isClass(err, ErrorClassTransport)
}

// IsStorage returns true if the error is classified as storage.
func IsStorage(err error) bool {
	return isClass(err, ErrorClassStorage)
}

// ClassOf returns the class and code of err, or empty strings when err is not
// an EngineError.
func ClassOf(err error) (ErrorClass, string) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, e.Code
	}
	return "", ""
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeUnknownPriority    = "UNKNOWN_PRIORITY"
	ErrCodeIndexOutOfBounds   = "INDEX_OUT_OF_BOUNDS"
	ErrCodeInvalidRange       = "INVALID_RANGE"
	ErrCodeUnknownTarget      = "UNKNOWN_TARGET"
	ErrCodeUnknownDomain      = "UNKNOWN_DOMAIN"
	ErrCodeNotPending         = "NOT_PENDING"
	ErrCodeSenderMismatch     = "SENDER_MISMATCH"
	ErrCodeDeliveryFailed     = "DELIVERY_FAILED"
	ErrCodeCorruptState       = "CORRUPT_STATE"
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrCodeAborted            = "ABORTED"
)

// Sentinels for errors.Is matching. Matching compares class and code only.
var (
	ErrValidation       = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeValidation}
	ErrUnknownPriority  = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeUnknownPriority}
	ErrIndexOutOfBounds = &EngineError{Class: ErrorClassQueue, Code: ErrCodeIndexOutOfBounds}
	ErrInvalidRange     = &EngineError{Class: ErrorClassQueue, Code: ErrCodeInvalidRange}
	ErrUnknownTarget    = &EngineError{Class: ErrorClassExecution, Code: ErrCodeUnknownTarget}
	ErrUnknownDomain    = &EngineError{Class: ErrorClassExecution, Code: ErrCodeUnknownDomain}
	ErrNotPending       = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeNotPending}
	ErrSenderMismatch   = &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeSenderMismatch}
	ErrDeliveryFailed   = &EngineError{Class: ErrorClassTransport, Code: ErrCodeDeliveryFailed}
	ErrCorruptState     = &EngineError{Class: ErrorClassStorage, Code: ErrCodeCorruptState}
	ErrAborted          = &EngineError{Class: ErrorClassExecution, Code: ErrCodeAborted}
)
