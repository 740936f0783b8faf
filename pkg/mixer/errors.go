package mixer

import (
	"context"
	"errors"
)

var (
	// ErrValidation is returned before touching the adapter when a caller supplies
	// an out of range volume or a blank identifier
	ErrValidation = errors.New("validation error")

	// ErrPrecondition means a component was built without a required collaborator
	ErrPrecondition = errors.New("precondition failed")

	// ErrTargetNotFound means the addressed application or device vanished between
	// listing and acting. This is normal churn, not a failure the user has to fix
	ErrTargetNotFound = errors.New("target not found")

	// ErrAdapterFailure wraps environmental failures of the platform audio API
	ErrAdapterFailure = errors.New("audio adapter failure")

	// ErrUnsupported is returned by adapters for optional capabilities they lack
	ErrUnsupported = errors.New("operation not supported")

	// ErrSoloActive rejects a mute change that the group's active solo would undo
	ErrSoloActive = errors.New("solo is active")
)

// ErrorClass buckets errors into the categories the control surface reacts to
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassValidation
	ClassPrecondition
	ClassTargetNotFound
	ClassAdapterFailure
	ClassUnsupported
	ClassConflict
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "ok"
	case ClassValidation:
		return "validation"
	case ClassPrecondition:
		return "precondition"
	case ClassTargetNotFound:
		return "not_found"
	case ClassAdapterFailure:
		return "adapter_failure"
	case ClassUnsupported:
		return "unsupported"
	case ClassConflict:
		return "conflict"
	}

	return "unknown"
}

// Classify returns the class of err. Errors that match none of the sentinels
// (including context timeouts at the adapter boundary) count as adapter failures
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrPrecondition):
		return ClassPrecondition
	case errors.Is(err, ErrTargetNotFound):
		return ClassTargetNotFound
	case errors.Is(err, ErrUnsupported):
		return ClassUnsupported
	case errors.Is(err, ErrSoloActive):
		return ClassConflict
	case errors.Is(err, ErrAdapterFailure),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassAdapterFailure
	}

	return ClassAdapterFailure
}

// Expected reports whether err is part of normal environmental churn: the command
// turned into a no-op and nothing needs to be surfaced as a fault
func Expected(err error) bool {
	class := Classify(err)
	return class == ClassNone || class == ClassTargetNotFound || class == ClassUnsupported
}
