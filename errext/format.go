// Package errext attaches user hints and process exit codes to errors.
package errext

import (
	"errors"
)

// Format formats err as a message and a map of log fields. A hint attached
// with WithHint becomes the "hint" field.
func Format(err error) (string, map[string]interface{}) {
	if err == nil {
		return "", nil
	}

	fields := make(map[string]interface{})
	var herr HasHint
	if errors.As(err, &herr) {
		fields["hint"] = herr.Hint()
	}
	if code, ok := ExitCodeOf(err); ok {
		fields["exit_code"] = int(code)
	}

	return err.Error(), fields
}
