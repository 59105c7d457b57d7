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

import "time"

const (
	// Defaults

	DefaultTimeout time.Duration = 30 * time.Second

	// DefaultNavigationGrace is how long a navigation command waits for the
	// page to show loading activity before it is considered a no-op.
	DefaultNavigationGrace time.Duration = 100 * time.Millisecond

	// DefaultWindowGrace is waited before connecting to a page opened by
	// page script, since such targets may not report their life-cycle right
	// away.
	DefaultWindowGrace time.Duration = 300 * time.Millisecond

	// DefaultIdlePoll is the network idle polling interval.
	DefaultIdlePoll time.Duration = 50 * time.Millisecond

	// Target consts

	TargetTypePage   string = "page"
	BlankURL         string = "about:blank"
	pageEndpointPath string = "/devtools/page/"

	// Navigation consts

	navigationAbortedError string = "net::ERR_ABORTED"
	transitionTypeTyped    string = "typed"
)
