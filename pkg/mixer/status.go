package mixer

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the outcome of a user command, ready to be shown in a status line
type Status struct {
	Message string     `json:"message"`
	Class   ErrorClass `json:"-"`
	Err     error      `json:"-"`
}

// OK reports whether the command went through
func (s Status) OK() bool {
	return s.Class == ClassNone
}

func newStatus(success string, target Target, err error) Status {
	return Status{
		Message: StatusMessage(success, target, err),
		Class:   Classify(err),
		Err:     err,
	}
}

// StatusMessage is the status line for a command on target: success when err is
// nil, otherwise a short reason matching the class of err
func StatusMessage(success string, target Target, err error) string {
	switch Classify(err) {
	case ClassNone:
		return success
	case ClassValidation:
		return validationMessage(err)
	case ClassPrecondition:
		return "mixer is not ready"
	case ClassTargetNotFound:
		return target.Noun() + " not found"
	case ClassUnsupported:
		return "not supported by this audio system"
	case ClassConflict:
		return "solo is active, turn it off first"
	}

	return "audio system error"
}

// validationMessage strips the sentinel prefix so the user only sees the reason
func validationMessage(err error) string {
	msg := err.Error()
	prefix := ErrValidation.Error() + ": "

	if idx := strings.LastIndex(msg, prefix); idx >= 0 {
		return msg[idx+len(prefix):]
	}

	if errors.Is(err, ErrValidation) {
		return "invalid request"
	}

	return msg
}

func volumeStatus(v float32) string {
	return fmt.Sprintf("Volume set to %.0f%%", v*100)
}

func muteStatus(muted bool) string {
	if muted {
		return "Muted"
	}

	return "Unmuted"
}
