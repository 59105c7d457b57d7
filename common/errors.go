/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
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

package common

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
)

var (
	ErrDeadBrowser        = errors.New("browser is dead or the connection was closed")
	ErrTimedOut           = errors.New("timed out")
	ErrNoSuchTarget       = errors.New("no such target")
	ErrNodeNotFound       = errors.New("node not found")
	ErrNoExecutionContext = errors.New("no execution context")
	ErrRequestHandled     = errors.New("intercepted request is already handled")
	ErrInterceptionModes  = errors.New("allow list can't be used along with deny list")
	ErrUnknownClearType   = errors.New("unknown clear type")
	ErrUnknownAuthType    = errors.New("unknown authorization type")
	ErrUnknownResource    = errors.New("unknown resource type")

	ErrUnknownNetworkProfile = errors.New("unknown network profile")
)

// Browser error messages that are refined into sentinel errors.
var (
	nodeNotFoundMessages = []string{
		"No node with given id found",
		"Could not find node with given id",
		"Inspected target navigated or closed",
	}
	noExecutionContextMessages = []string{
		"Cannot find context with specified id",
		"Execution context was destroyed.",
	}
)

// TransportError is returned for every command issued on a connection that
// was dropped. It always matches ErrDeadBrowser.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrDeadBrowser, e.URL)
	}
	return fmt.Sprintf("%s: %s: %s", ErrDeadBrowser, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrDeadBrowser }

// TimeoutError is returned when no reply arrived in time. The browser is
// not told to abandon the operation.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%s after %s", ErrTimedOut, e.Timeout)
	}
	return fmt.Sprintf("%s waiting for %s after %s", ErrTimedOut, e.Method, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimedOut }

// BrowserError is an error object reported by the browser in a command reply.
type BrowserError struct {
	Method  string
	Code    int64
	Message string
	Data    string
}

func newBrowserError(method string, msg *cdproto.Message, raw []byte) *BrowserError {
	berr := &BrowserError{
		Method:  method,
		Code:    msg.Error.Code,
		Message: msg.Error.Message,
	}
	// cdproto drops the optional data member of the error object.
	if len(raw) > 0 {
		berr.Data = gjson.GetBytes(raw, "error.data").String()
	}
	return berr
}

func (e *BrowserError) Error() string {
	s := fmt.Sprintf("%s: %s (%d)", e.Method, e.Message, e.Code)
	if e.Data != "" {
		s += ": " + e.Data
	}
	return s
}

func (e *BrowserError) Is(target error) bool {
	switch target {
	case ErrNodeNotFound:
		return hasAnyPrefix(e.Message, nodeNotFoundMessages)
	case ErrNoExecutionContext:
		return hasAnyPrefix(e.Message, noExecutionContextMessages)
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ScriptException is an exception thrown by page script, either reported in
// a command result or by a Runtime.exceptionThrown event.
type ScriptException struct {
	Method  string
	Details *cdpruntime.ExceptionDetails
}

func (e *ScriptException) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("script %s", e.Details.Error())
	}
	return fmt.Sprintf("%s: script %s", e.Method, e.Details.Error())
}

func (e *ScriptException) Unwrap() error { return e.Details }

// scriptException returns a ScriptException if the command result carries
// exception details.
func scriptException(method string, result easyjson.RawMessage) error {
	if len(result) == 0 {
		return nil
	}
	details := gjson.GetBytes(result, "exceptionDetails")
	if !details.Exists() {
		return nil
	}
	var ed cdpruntime.ExceptionDetails
	if err := easyjson.Unmarshal([]byte(details.Raw), &ed); err != nil {
		return fmt.Errorf("%s: decoding exception details: %w", method, err)
	}
	return &ScriptException{Method: method, Details: &ed}
}

// NavigationError is a failed navigation. Pending lists the URLs that were
// still loading when the navigation timed out.
type NavigationError struct {
	URL     string
	Reason  string
	Pending []string
}

func (e *NavigationError) Error() string {
	if len(e.Pending) > 0 {
		return fmt.Sprintf("request to %s reached server, but there are still pending connections: %s",
			e.URL, strings.Join(e.Pending, ", "))
	}
	return fmt.Sprintf("request to %s failed (%s)", e.URL, e.Reason)
}

// Is reports a navigation that ran out of time with pending connections as a
// timeout.
func (e *NavigationError) Is(target error) bool {
	return target == ErrTimedOut && len(e.Pending) > 0
}
