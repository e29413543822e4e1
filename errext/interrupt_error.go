package errext

import (
	"errors"

	"github.com/liuxd6825/pagesync/errext/exitcodes"
)

// InterruptError is an error that halts a replay before the recording is
// fully consumed.
type InterruptError struct {
	Reason string
}

var _ HasExitCode = &InterruptError{}

// Error returns the reason of the interruption.
func (i *InterruptError) Error() string {
	return i.Reason
}

// ExitCode returns the status code used when the process exits.
func (i *InterruptError) ExitCode() exitcodes.ExitCode {
	return exitcodes.ExternalAbort
}

// AbortReplay is the reason used when the process receives an interrupt signal.
const AbortReplay = "replay interrupted"

// IsInterruptError returns true if err is *InterruptError.
func IsInterruptError(err error) bool {
	if err == nil {
		return false
	}
	var intErr *InterruptError
	return errors.As(err, &intErr)
}
