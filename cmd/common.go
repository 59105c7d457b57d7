/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2016 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/xk6-cdp/common"
	"github.com/grafana/xk6-cdp/errext"
	"github.com/grafana/xk6-cdp/errext/exitcodes"
	"github.com/grafana/xk6-cdp/lib/types"
)

// Panic if the given error is not nil.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

// These helpers panic on flags that were never declared, which is a
// programming error rather than a user one.
func getNullBool(flags *pflag.FlagSet, key string) null.Bool {
	v, err := flags.GetBool(key)
	if err != nil {
		panic(err)
	}
	return null.NewBool(v, flags.Changed(key))
}

func getNullDuration(flags *pflag.FlagSet, key string) types.NullDuration {
	v, err := flags.GetDuration(key)
	if err != nil {
		panic(err)
	}
	return types.NewNullDuration(v, flags.Changed(key))
}

func getNullString(flags *pflag.FlagSet, key string) null.String {
	v, err := flags.GetString(key)
	if err != nil {
		panic(err)
	}
	return null.NewString(v, flags.Changed(key))
}

func exactArgsWithMsg(n int, msg string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("accepts %d arg(s), received %d: %s", n, len(args), msg)
		}
		return nil
	}
}

// classifyError attaches the process exit code, and a hint where one helps,
// to the errors of the browser connection.
func classifyError(err error) error {
	var (
		nerr *common.NavigationError
		serr *common.ScriptException
		berr *common.BrowserError
	)
	switch {
	case errext.IsInterruptError(err):
		return err
	case errors.Is(err, common.ErrDeadBrowser):
		return errext.WithExitCodeIfNone(
			errext.WithHint(err, "make sure the browser is running and its DevTools endpoint is reachable"),
			exitcodes.DeadBrowser)
	case errors.As(err, &nerr):
		return errext.WithExitCodeIfNone(err, exitcodes.NavigationFailed)
	case errors.Is(err, common.ErrTimedOut):
		return errext.WithExitCodeIfNone(
			errext.WithHint(err, "raise the limit with --timeout or "+timeoutEnvVar),
			exitcodes.CommandTimeout)
	case errors.As(err, &serr):
		return errext.WithExitCodeIfNone(err, exitcodes.ScriptException)
	case errors.As(err, &berr):
		return errext.WithExitCodeIfNone(err, exitcodes.BrowserError)
	}
	return err
}
