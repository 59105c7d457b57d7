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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutSettings(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		parent, child func(*TimeoutSettings)
		expTimeout    time.Duration
		expNavTimeout time.Duration
	}{
		{
			name:          "defaults",
			expTimeout:    DefaultTimeout,
			expNavTimeout: DefaultTimeout,
		},
		{
			name:          "own_timeout",
			child:         func(ts *TimeoutSettings) { ts.SetDefaultTimeout(time.Second) },
			expTimeout:    time.Second,
			expNavTimeout: time.Second,
		},
		{
			name:          "own_navigation_timeout",
			child:         func(ts *TimeoutSettings) { ts.SetDefaultNavigationTimeout(2 * time.Second) },
			expTimeout:    DefaultTimeout,
			expNavTimeout: 2 * time.Second,
		},
		{
			name: "inherited",
			parent: func(ts *TimeoutSettings) {
				ts.SetDefaultTimeout(time.Second)
				ts.SetDefaultNavigationTimeout(3 * time.Second)
			},
			expTimeout:    time.Second,
			expNavTimeout: 3 * time.Second,
		},
		{
			name:   "child_overrides_parent",
			parent: func(ts *TimeoutSettings) { ts.SetDefaultNavigationTimeout(3 * time.Second) },
			child: func(ts *TimeoutSettings) {
				ts.SetDefaultTimeout(time.Second)
				ts.SetDefaultNavigationTimeout(4 * time.Second)
			},
			expTimeout:    time.Second,
			expNavTimeout: 4 * time.Second,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			parent := NewTimeoutSettings(nil)
			if tc.parent != nil {
				tc.parent(parent)
			}
			child := NewTimeoutSettings(parent)
			if tc.child != nil {
				tc.child(child)
			}
			assert.Equal(t, tc.expTimeout, child.timeout())
			assert.Equal(t, tc.expNavTimeout, child.navigationTimeout())
		})
	}

	t.Run("nil", func(t *testing.T) {
		t.Parallel()

		var ts *TimeoutSettings
		assert.Equal(t, DefaultTimeout, ts.timeout())
		assert.Equal(t, DefaultTimeout, ts.navigationTimeout())
	})
}
