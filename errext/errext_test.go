package errext

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-cdp/errext/exitcodes"
)

func TestHints(t *testing.T) {
	t.Parallel()

	base := errors.New("connection refused")
	assert.Nil(t, WithHint(nil, "never"))

	err := WithHint(base, "is the browser running with --remote-debugging-port?")
	err = WithHint(fmt.Errorf("dialing: %w", err), "check the endpoint")

	var herr HasHint
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "check the endpoint (is the browser running with --remote-debugging-port?)", herr.Hint())
	assert.ErrorIs(t, err, base)
}

func TestExitCodes(t *testing.T) {
	t.Parallel()

	assert.Nil(t, WithExitCodeIfNone(nil, exitcodes.GenericError))

	err := WithExitCodeIfNone(errors.New("timed out"), exitcodes.CommandTimeout)
	err = WithExitCodeIfNone(fmt.Errorf("navigating: %w", err), exitcodes.NavigationFailed)

	code, ok := ExitCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, exitcodes.CommandTimeout, code)

	_, ok = ExitCodeOf(errors.New("plain"))
	assert.False(t, ok)

	ierr := &InterruptError{Signal: syscall.SIGINT}
	assert.True(t, IsInterruptError(fmt.Errorf("run: %w", ierr)))
	code, _ = ExitCodeOf(ierr)
	assert.Equal(t, exitcodes.ExternalAbort, code)
}

func TestFormat(t *testing.T) {
	t.Parallel()

	msg, fields := Format(nil)
	assert.Empty(t, msg)
	assert.Nil(t, fields)

	err := WithExitCodeIfNone(WithHint(errors.New("boom"), "try again"), exitcodes.BrowserError)
	msg, fields = Format(err)
	assert.Equal(t, "boom", msg)
	assert.Equal(t, map[string]interface{}{
		"hint":      "try again",
		"exit_code": int(exitcodes.BrowserError),
	}, fields)
}
