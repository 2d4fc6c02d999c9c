package task

import (
	"errors"
	"fmt"
)

// Store sentinels. ErrTerminalState is returned when a conditional status
// update finds the task already terminal; callers treat it as an idempotent
// no-op, not a failure.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTerminalState = errors.New("task already in terminal state")
)

// ValidationError rejects a submission synchronously, before any event is
// published.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// AuthorizationError is returned when a session references a task it does
// not own.
type AuthorizationError struct {
	TaskID    string
	SessionID string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("session %s is not authorized for task %s", e.SessionID, e.TaskID)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}
