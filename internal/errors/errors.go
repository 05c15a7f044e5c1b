// Package errors provides error code definitions shared across the sync core.
package errors

import "fmt"

// ErrorCode represents a unique, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrSyncNetwork     ErrorCode = "SYNC_NETWORK"
	ErrSyncTimeout     ErrorCode = "SYNC_TIMEOUT"
	ErrSyncAuth        ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncValidation  ErrorCode = "SYNC_VALIDATION"
	ErrSyncConflict    ErrorCode = "SYNC_CONFLICT"
	ErrSyncServer      ErrorCode = "SYNC_SERVER_ERROR"
	ErrSyncUnavailable ErrorCode = "SYNC_UNAVAILABLE"
	ErrSyncNotFound    ErrorCode = "SYNC_NOT_FOUND"
	ErrSyncDuplicate   ErrorCode = "SYNC_DUPLICATE"
	ErrSyncFailed      ErrorCode = "SYNC_FAILED"

	// Queue errors
	ErrQueueFull       ErrorCode = "QUEUE_FULL"
	ErrOpNotFound      ErrorCode = "OPERATION_NOT_FOUND"
	ErrMaxAttempts     ErrorCode = "MAX_ATTEMPTS_REACHED"
	ErrMergeNotAllowed ErrorCode = "MERGE_NOT_SUPPORTED"
)

// Retryable reports whether an error code denotes a transient failure
// that the orchestrator may retry with backoff. Auth, validation,
// conflict, not-found and duplicate failures all require out-of-band
// action and are never retried automatically.
func Retryable(code ErrorCode) bool {
	switch code {
	case ErrSyncNetwork, ErrSyncTimeout, ErrSyncServer, ErrSyncUnavailable:
		return true
	default:
		return false
	}
}

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal when err carries
// no code.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}
