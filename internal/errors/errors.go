// Package errors provides structured errors shared by the ingest pipeline,
// the alerting subsystem and the HTTP layer.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrTimeout       = errors.New("timeout")
	ErrInvalidInput  = errors.New("invalid input")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrConflict      = errors.New("conflict")
	ErrInternalError = errors.New("internal error")
)

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeForbidden  ErrorType = "forbidden"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeQuota      ErrorType = "quota"
	ErrorTypeContract   ErrorType = "contract_rejected"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTransient  ErrorType = "transient"
	ErrorTypeIntegrity  ErrorType = "integrity"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeInternal   ErrorType = "internal"
)

// PipelineError is a structured error for ingest and control operations.
type PipelineError struct {
	Type      ErrorType
	Op        string // operation that failed (e.g. "ingest_batch", "ack_command")
	DeviceID  string
	Err       error
	Details   []string // per-point contract errors, budget info, etc.
	Timestamp time.Time
	Retryable bool
}

func (e *PipelineError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s failed for device %s: %v", e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for the base sentinel errors.
func (e *PipelineError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrForbidden:
		return e.Type == ErrorTypeForbidden
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrQuotaExceeded:
		return e.Type == ErrorTypeQuota
	case ErrConflict:
		return e.Type == ErrorTypeConflict || e.Type == ErrorTypeIntegrity
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	}
	return errors.Is(e.Err, target)
}

// New creates a new PipelineError.
func New(errorType ErrorType, op, deviceID string, err error) *PipelineError {
	return &PipelineError{
		Type:      errorType,
		Op:        op,
		DeviceID:  deviceID,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithDetails attaches per-point error detail strings.
func (e *PipelineError) WithDetails(details []string) *PipelineError {
	e.Details = details
	return e
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransient, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// TypeOf extracts the ErrorType from err, defaulting to internal.
func TypeOf(err error) ErrorType {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type
	}
	return ErrorTypeInternal
}

// IsRetryable checks whether an error should be retried.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, ErrTimeout)
}

// Details extracts attached detail strings, if any.
func Details(err error) []string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Details
	}
	return nil
}
