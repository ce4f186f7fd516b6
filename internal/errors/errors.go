// Package errors provides the structured error taxonomy for the autopilot service.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodePastScheduleTime indicates a schedule request whose time is not in the future.
	ErrCodePastScheduleTime ErrorCode = "past_schedule_time"
	// ErrCodeDuplicateJob indicates another job with the same fingerprint is already scheduled or running.
	ErrCodeDuplicateJob ErrorCode = "duplicate_job"
	// ErrCodeNotFound indicates a job (or other resource) was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeSchedulingFailed indicates a timer-engine fault while arming a job.
	ErrCodeSchedulingFailed ErrorCode = "scheduling_failed"
	// ErrCodeCancellationFailed indicates a timer-engine fault while releasing a job.
	ErrCodeCancellationFailed ErrorCode = "cancellation_failed"
	// ErrCodeInvalidPhase indicates phase data that failed recovery validation.
	ErrCodeInvalidPhase ErrorCode = "invalid_phase"
	// ErrCodeProducer indicates an egress/bus publish fault.
	ErrCodeProducer ErrorCode = "producer"
	// ErrCodeConsumer indicates an ingress/bus consume fault.
	ErrCodeConsumer ErrorCode = "consumer"
	// ErrCodeSchemaRegistry indicates an encode/decode fault against the schema registry.
	ErrCodeSchemaRegistry ErrorCode = "schema_registry"
	// ErrCodeCircuitOpen indicates a call rejected by an open circuit breaker.
	ErrCodeCircuitOpen ErrorCode = "circuit_open"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "internal"
)

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	// Code categorizes the error type
	Code ErrorCode
	// Message is a human-readable error message
	Message string
	// Cause is the underlying error that caused this error (optional)
	Cause error
	// JobID identifies the affected registry job (optional)
	JobID string
	// ProjectID identifies the affected project (optional)
	ProjectID uint64
	// PhaseID identifies the affected phase (optional)
	PhaseID uint64
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithJob annotates the error with the affected job ID.
func (e *AppError) WithJob(jobID string) *AppError {
	e.JobID = jobID
	return e
}

// WithFingerprint annotates the error with the affected (projectID, phaseID) pair.
func (e *AppError) WithFingerprint(projectID, phaseID uint64) *AppError {
	e.ProjectID = projectID
	e.PhaseID = phaseID
	return e
}

// New creates a new AppError with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// PastScheduleTime creates a new PastScheduleTime error.
func PastScheduleTime(message string) *AppError {
	return New(ErrCodePastScheduleTime, message)
}

// PastScheduleTimef creates a new PastScheduleTime error with formatted message.
func PastScheduleTimef(format string, args ...any) *AppError {
	return Newf(ErrCodePastScheduleTime, format, args...)
}

// DuplicateJob creates a new DuplicateJob error.
func DuplicateJob(message string) *AppError {
	return New(ErrCodeDuplicateJob, message)
}

// DuplicateJobf creates a new DuplicateJob error with formatted message.
func DuplicateJobf(format string, args ...any) *AppError {
	return Newf(ErrCodeDuplicateJob, format, args...)
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return New(ErrCodeNotFound, message)
}

// NotFoundf creates a new NotFound error with formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return Newf(ErrCodeNotFound, format, args...)
}

// SchedulingFailed creates a new SchedulingFailed error.
func SchedulingFailed(message string) *AppError {
	return New(ErrCodeSchedulingFailed, message)
}

// InvalidPhase creates a new InvalidPhase error.
func InvalidPhase(message string) *AppError {
	return New(ErrCodeInvalidPhase, message)
}

// InvalidPhasef creates a new InvalidPhase error with formatted message.
func InvalidPhasef(format string, args ...any) *AppError {
	return Newf(ErrCodeInvalidPhase, format, args...)
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return New(ErrCodeValidation, message)
}

// Validationf creates a new Validation error with formatted message.
func Validationf(format string, args ...any) *AppError {
	return Newf(ErrCodeValidation, format, args...)
}

// CircuitOpen creates a new CircuitOpen error.
func CircuitOpen(message string) *AppError {
	return New(ErrCodeCircuitOpen, message)
}

// Internal creates a new Internal error.
func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// Internalf creates a new Internal error with formatted message.
func Internalf(format string, args ...any) *AppError {
	return Newf(ErrCodeInternal, format, args...)
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// isCode checks if an error has a specific error code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsPastScheduleTime checks if an error is a PastScheduleTime error.
func IsPastScheduleTime(err error) bool {
	return isCode(err, ErrCodePastScheduleTime)
}

// IsDuplicateJob checks if an error is a DuplicateJob error.
func IsDuplicateJob(err error) bool {
	return isCode(err, ErrCodeDuplicateJob)
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool {
	return isCode(err, ErrCodeNotFound)
}

// IsSchedulingFailed checks if an error is a SchedulingFailed error.
func IsSchedulingFailed(err error) bool {
	return isCode(err, ErrCodeSchedulingFailed)
}

// IsInvalidPhase checks if an error is an InvalidPhase error.
func IsInvalidPhase(err error) bool {
	return isCode(err, ErrCodeInvalidPhase)
}

// IsCircuitOpen checks if an error is a CircuitOpen error.
func IsCircuitOpen(err error) bool {
	return isCode(err, ErrCodeCircuitOpen)
}

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool {
	return isCode(err, ErrCodeValidation)
}

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool {
	return isCode(err, ErrCodeTimeout)
}

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
