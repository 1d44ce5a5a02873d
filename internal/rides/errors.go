package rides

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrAlreadyLocked       = errors.New("ride already locked by another driver")
	ErrLockExpired         = errors.New("offer lock expired")
	ErrValidation          = errors.New("validation failed")
	ErrRecurrenceExhausted = errors.New("recurring template exhausted")
	ErrVersionConflict     = errors.New("version conflict")
	ErrNotFound            = errors.New("ride not found")
	ErrDriverBusy          = errors.New("driver already holds an offer lock")
)

// TransitionError is returned when an action does not apply to the ride's status
type TransitionError struct {
	RideID uuid.UUID
	From   Status
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ride %s: cannot apply %s from %s", e.RideID, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError reports a malformed input field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func validationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// invariantError is raised when a mutation would leave the record inconsistent.
// It should never reach a caller; it indicates a bug in a transition.
func invariantError(field, reason string) error {
	return fmt.Errorf("ride invariant violated: %s %s", field, reason)
}

// IsConflict reports whether err is a lock or concurrency conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyLocked) ||
		errors.Is(err, ErrDriverBusy) ||
		errors.Is(err, ErrVersionConflict)
}

// ErrorCode returns a stable machine-readable code for the sentinel err wraps,
// or "" when err is not a dispatch error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrAlreadyLocked):
		return "already_locked"
	case errors.Is(err, ErrLockExpired):
		return "lock_expired"
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrRecurrenceExhausted):
		return "recurrence_exhausted"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDriverBusy):
		return "driver_busy"
	}
	return ""
}
