package errext

import (
	"errors"
	"os"

	"github.com/grafana/xk6-cdp/errext/exitcodes"
)

// InterruptError is returned when the CLI is stopped by a signal.
type InterruptError struct {
	Signal os.Signal
}

var _ HasExitCode = &InterruptError{}

// Error returns the reason of the interruption.
func (i *InterruptError) Error() string {
	return "interrupted by " + i.Signal.String()
}

// ExitCode returns the code used when the process exits.
func (i *InterruptError) ExitCode() exitcodes.ExitCode {
	return exitcodes.ExternalAbort
}

// IsInterruptError returns true if err is *InterruptError.
func IsInterruptError(err error) bool {
	var intErr *InterruptError
	return errors.As(err, &intErr)
}
