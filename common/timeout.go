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
	"sync"
	"time"
)

// TimeoutSettings holds information on timeout settings. Unset values are
// inherited from the parent, down to DefaultTimeout.
type TimeoutSettings struct {
	mu                       sync.RWMutex
	parent                   *TimeoutSettings
	defaultTimeout           *time.Duration
	defaultNavigationTimeout *time.Duration
}

// NewTimeoutSettings creates a new timeout settings object.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	return &TimeoutSettings{parent: parent}
}

// SetDefaultTimeout sets the command timeout.
func (t *TimeoutSettings) SetDefaultTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTimeout = &timeout
}

// SetDefaultNavigationTimeout sets how long a navigation may take to settle.
func (t *TimeoutSettings) SetDefaultNavigationTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultNavigationTimeout = &timeout
}

func (t *TimeoutSettings) navigationTimeout() time.Duration {
	if t == nil {
		return DefaultTimeout
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.defaultNavigationTimeout != nil {
		return *t.defaultNavigationTimeout
	}
	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	return t.parent.navigationTimeout()
}

func (t *TimeoutSettings) timeout() time.Duration {
	if t == nil {
		return DefaultTimeout
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	return t.parent.timeout()
}
