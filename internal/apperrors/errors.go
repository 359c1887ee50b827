package apperrors

import (
	"errors"
	"fmt"
)

// RetryableError marks a failure that a redelivery may resolve (NAK with delay).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryable wraps err with a formatted message as a RetryableError.
func NewRetryable(err error, message string, args ...interface{}) error {
	return &RetryableError{Err: wrapf(err, message, args...)}
}

// FatalError marks a failure that redelivery cannot fix; the event goes to the DLQ.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal wraps err with a formatted message as a FatalError.
func NewFatal(err error, message string, args ...interface{}) error {
	return &FatalError{Err: wrapf(err, message, args...)}
}

func wrapf(err error, message string, args ...interface{}) error {
	allArgs := append(args, err)
	return fmt.Errorf(message+": %w", allArgs...)
}

var (
	ErrNotFound    = errors.New("resource not found")
	ErrValidation  = errors.New("validation failed")
	ErrDatabase    = errors.New("database error")
	ErrNATS        = errors.New("nats communication error")
	ErrDuplicate   = errors.New("duplicate resource")
	ErrConflict    = errors.New("resource conflict")
	ErrBadRequest  = errors.New("bad request")
	ErrTimeout     = errors.New("operation timeout")
	ErrRateLimited = errors.New("rate limited")
)

// IsRetryable reports whether err is or wraps a RetryableError.
func IsRetryable(err error) bool {
	var target *RetryableError
	return errors.As(err, &target)
}

// IsFatal reports whether err is or wraps a FatalError.
func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}

func IsNotFoundError(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsValidationError(err error) bool { return errors.Is(err, ErrValidation) }
func IsDatabaseError(err error) bool   { return errors.Is(err, ErrDatabase) }
func IsNATSError(err error) bool       { return errors.Is(err, ErrNATS) }
func IsDuplicateError(err error) bool  { return errors.Is(err, ErrDuplicate) }
func IsConflictError(err error) bool   { return errors.Is(err, ErrConflict) }
func IsBadRequestError(err error) bool { return errors.Is(err, ErrBadRequest) }
func IsTimeoutError(err error) bool    { return errors.Is(err, ErrTimeout) }
