// Package errors carries the process exit code of a failure up to main.
package errors

type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

func (e *ExitCodeError) Cause() error {
	return e.error
}

// GetExitCode finds the exit code of err, looking through wrapping. Errors
// without one exit with 1, a nil error with 0.
func GetExitCode(err error) ExitCode {
	if err == nil {
		return 0
	}
	for err != nil {
		if ece, ok := err.(*ExitCodeError); ok {
			return ece.code
		}
		c, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = c.Cause()
	}
	return 1
}
