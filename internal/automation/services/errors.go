package services

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an approval operation is requested on
// a task that is not in the expected source state. No side effects occur.
var ErrInvalidTransition = errors.New("invalid task state transition")

// ErrInterpreterUnavailable is returned by the prompt-based creation path
// when no interpreter has been wired in.
var ErrInterpreterUnavailable = errors.New("no interpreter configured")

// RegistrationError means a task could not be scheduled. The task stays
// persisted but unregistered; the failure is mirrored onto the task row so
// operators can fix the definition and retry.
type RegistrationError struct {
	TaskID uint
	Reason string
	Err    error
}

func (e *RegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to register task ID %d: %s: %v", e.TaskID, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to register task ID %d: %s", e.TaskID, e.Reason)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
