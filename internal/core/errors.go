package core

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("status changed concurrently")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrForbidden         = errors.New("forbidden")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrIllegalState      = errors.New("illegal state")
)

// ConflictError is returned when a compare-and-swap on status loses.
// Actual is empty when the current status could not be read back.
type ConflictError struct {
	JobID    string
	Expected JobStatus
	Actual   JobStatus
}

func (e *ConflictError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("job %s: expected status %s: %v", e.JobID, e.Expected, ErrConflict)
	}
	return fmt.Sprintf("job %s: expected status %s, found %s: %v", e.JobID, e.Expected, e.Actual, ErrConflict)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type TransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

func validationError(field, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, msg)
}

// NotFound builds the error returned for a missing job or device.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// IsRoutine reports whether err is an expected outcome of optimistic
// concurrency that background loops should absorb.
func IsRoutine(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDeviceUnavailable)
}

// IsDomain reports whether err belongs to the domain taxonomy, as opposed
// to an infrastructure failure.
func IsDomain(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrNotFound, ErrConflict, ErrIllegalTransition,
		ErrForbidden, ErrDeviceUnavailable, ErrIllegalState,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
