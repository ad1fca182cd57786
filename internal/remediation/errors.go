package remediation

import "errors"

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("remediation not found")
	// ErrInvalidState is returned when an operator action does not apply to
	// the record's current state.
	ErrInvalidState = errors.New("invalid remediation state")
	// ErrNotRunning is returned by gateway calls while the controller loop is stopped.
	ErrNotRunning = errors.New("remediation controller not running")
)
