// Package apperrors provides structured application errors with classification
// via errors.Is and HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrSubmission = errors.New("submission failed")
	ErrPagination = errors.New("listing failed")
	ErrDescribe   = errors.New("describe failed")
	ErrInternal   = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "name", "batchSize")
	Resource string // For not found/conflict (e.g., "job")
	Job      string // Job the failure belongs to, if any
	Attempts int    // Attempts made before giving up (submission errors)
	Op       string // Operation that failed (e.g., "docker.containerCreate")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// Submission reports a job whose creation failed after all attempts.
func Submission(jobName string, attempts int, cause error) error {
	return &Error{
		Sentinel: ErrSubmission,
		Message:  fmt.Sprintf("submit %s failed after %d attempts: %v", jobName, attempts, cause),
		Job:      jobName,
		Attempts: attempts,
		Cause:    cause,
	}
}

// Pagination reports a failure while fetching the given listing page (1-based).
func Pagination(page int, cause error) error {
	return &Error{
		Sentinel: ErrPagination,
		Message:  fmt.Sprintf("list jobs page %d: %v", page, cause),
		Cause:    cause,
	}
}

// Describe reports a failure fetching a job's final metrics.
func Describe(jobName string, cause error) error {
	return &Error{
		Sentinel: ErrDescribe,
		Message:  fmt.Sprintf("describe %s: %v", jobName, cause),
		Job:      jobName,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// IsRetryable reports whether err may succeed when repeated.
// Validation and conflict errors are permanent; everything else is retried.
func IsRetryable(err error) bool {
	return !errors.Is(err, ErrValidation) && !errors.Is(err, ErrConflict)
}
