package process

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a command run failed.
type ErrorKind string

const (
	KindStartFailure      ErrorKind = "start_failure"
	KindInactivityTimeout ErrorKind = "inactivity_timeout"
	KindOverallTimeout    ErrorKind = "overall_timeout"
	KindNonZeroExit       ErrorKind = "non_zero_exit"
	KindInlineError       ErrorKind = "inline_error"
	KindCancelled         ErrorKind = "cancelled"
)

// Sentinels for errors.Is matching on the kind of an *ExecError.
var (
	ErrStartFailure      = &ExecError{Kind: KindStartFailure}
	ErrInactivityTimeout = &ExecError{Kind: KindInactivityTimeout}
	ErrOverallTimeout    = &ExecError{Kind: KindOverallTimeout}
	ErrNonZeroExit       = &ExecError{Kind: KindNonZeroExit}
	ErrInlineError       = &ExecError{Kind: KindInlineError}
	ErrCancelled         = &ExecError{Kind: KindCancelled}
)

// ExecError is the terminal error of a command run.
type ExecError struct {
	Kind ErrorKind

	// Command is the printable command line.
	Command string

	// ExitCode is the process exit code, -1 when the process did not exit
	// normally.
	ExitCode int

	// Output is the ANSI-stripped tail of the command output.
	Output string

	// Err is the underlying cause, if any.
	Err error
}

func (e *ExecError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case KindStartFailure:
		fmt.Fprintf(&b, "command %q failed to start", e.Command)
	case KindInactivityTimeout:
		fmt.Fprintf(&b, "command %q produced no output and hit the inactivity timeout", e.Command)
	case KindOverallTimeout:
		fmt.Fprintf(&b, "command %q exceeded the overall timeout", e.Command)
	case KindNonZeroExit:
		fmt.Fprintf(&b, "command %q failed with exit code %d", e.Command, e.ExitCode)
	case KindInlineError:
		fmt.Fprintf(&b, "command %q reported an error (exit code %d)", e.Command, e.ExitCode)
	case KindCancelled:
		fmt.Fprintf(&b, "command %q was cancelled", e.Command)
	default:
		fmt.Fprintf(&b, "command %q failed", e.Command)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err)
	}
	if e.Output != "" {
		fmt.Fprintf(&b, "\n%s", e.Output)
	}
	return b.String()
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is matches another *ExecError of the same kind.
func (e *ExecError) Is(target error) bool {
	t, ok := target.(*ExecError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Timeout reports whether the run was stopped by one of its timeouts.
func (e *ExecError) Timeout() bool {
	return e.Kind == KindOverallTimeout || e.Kind == KindInactivityTimeout
}

// ExitCode extracts the exit code from an error returned by a stream. The
// second value is false when err carries no exit code.
func ExitCode(err error) (int, bool) {
	var e *ExecError
	if !errors.As(err, &e) {
		return 0, false
	}
	if e.Kind != KindNonZeroExit && e.Kind != KindInlineError {
		return 0, false
	}
	return e.ExitCode, true
}

// IsTimeout reports whether err is a timeout of a command run.
func IsTimeout(err error) bool {
	var e *ExecError
	return errors.As(err, &e) && e.Timeout()
}
