package cli

import (
	"errors"
	"fmt"
)

// Process exit codes shared by every tagflow command.
const (
	exitSuccess      = 0
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitInputParse   = 4
	exitConfig       = 5
)

// ExitError carries the process exit code a command wants main to use.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps a command error to a process exit code. Errors that do
// not carry one (cobra flag errors, for instance) count as input errors.
func ExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitInputParse
}

// asExitError reports whether err already carries an exit code.
func asExitError(err error) (*ExitError, bool) {
	var ee *ExitError
	ok := errors.As(err, &ee)
	return ee, ok
}
