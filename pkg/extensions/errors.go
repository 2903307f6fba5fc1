package extensions

import (
	"errors"
	"fmt"
)

var (
	// ErrCommandUnknown is returned for names no extension declares.
	ErrCommandUnknown = errors.New("unknown command")

	// ErrCommandDisabled is returned when the agent's enabled-command set
	// does not include the command.
	ErrCommandDisabled = errors.New("command disabled for agent")
)

// ArgumentError reports a binding failure for one command argument.
type ArgumentError struct {
	Command string
	Arg     string
	Reason  string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("command %s: argument %q: %s", e.Command, e.Arg, e.Reason)
}

// CommandFailedError reports an execution failure. The dispatcher logs it
// as an error-flagged tool interaction; callers map it to a coherent
// assistant turn rather than an HTTP failure.
type CommandFailedError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandFailedError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %s failed: %v (stderr: %s)", e.Command, e.Err, e.Stderr)
	}
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *CommandFailedError) Unwrap() error {
	return e.Err
}
