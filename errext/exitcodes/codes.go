/*
 *
 * k6 - a next-generation load testing tool
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

// Package exitcodes contains the process exit codes of the xk6-cdp CLI.
//nolint: golint
package exitcodes

// ExitCode is a process exit code.
type ExitCode uint8

// Codes stay clear of the 1-2 and 126+ ranges shells reserve.
const (
	GenericError     ExitCode = 100
	InvalidConfig    ExitCode = 104
	ExternalAbort    ExitCode = 105
	ScriptException  ExitCode = 107
	DeadBrowser      ExitCode = 110
	CommandTimeout   ExitCode = 111
	BrowserError     ExitCode = 112
	NavigationFailed ExitCode = 113
)
