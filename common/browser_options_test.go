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
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/xk6-cdp/lib/types"
)

func TestBrowserOptionsDefaults(t *testing.T) {
	t.Parallel()

	opts := NewBrowserOptions()
	assert.False(t, opts.WSEndpoint.Valid)
	assert.False(t, opts.Timeout.Valid)
	assert.Equal(t, DefaultTimeout, time.Duration(opts.Timeout.Duration))

	po := opts.pageOptions()
	assert.Equal(t, DefaultNavigationGrace, po.NavigationGrace)
	assert.Equal(t, DefaultIdlePoll, po.IdlePoll)
	assert.True(t, po.PendingConnectionErrors)
	assert.False(t, po.JSErrors)

	ts := opts.timeoutSettings()
	assert.Equal(t, DefaultTimeout, ts.timeout())
	assert.Equal(t, DefaultTimeout, ts.navigationTimeout())
}

func TestBrowserOptionsApply(t *testing.T) {
	t.Parallel()

	opts := NewBrowserOptions().Apply(BrowserOptions{
		WSEndpoint:              null.StringFrom("ws://127.0.0.1:9222/devtools/browser/abc"),
		Timeout:                 types.NullDurationFrom(5 * time.Second),
		NavigationTimeout:       types.NullDurationFrom(10 * time.Second),
		PendingConnectionErrors: null.BoolFrom(false),
		ProxyServer:             null.StringFrom("http://proxy.test:3128"),
		ProxyUser:               null.StringFrom("user"),
	})

	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", opts.WSEndpoint.String)
	assert.Equal(t, time.Hour, durationOr(opts.WindowGrace, time.Hour), "unset durations fall back")
	assert.Equal(t, ".*", opts.LogCategoryFilter.String, "unset values are kept")

	ts := opts.timeoutSettings()
	assert.Equal(t, 5*time.Second, ts.timeout())
	assert.Equal(t, 10*time.Second, ts.navigationTimeout())

	po := opts.pageOptions()
	assert.False(t, po.PendingConnectionErrors)
	assert.Equal(t, "user", po.ProxyUser)

	co := opts.contextOptions()
	assert.Equal(t, "http://proxy.test:3128", co.ProxyServer)
	assert.Empty(t, co.ProxyBypassList)
}

//nolint:paralleltest // uses t.Setenv
func TestGetConsolidatedOptions(t *testing.T) {
	t.Setenv("XK6_CDP_TIMEOUT", "3s")
	t.Setenv("XK6_CDP_JS_ERRORS", "true")
	t.Setenv("XK6_CDP_LOG_CATEGORY_FILTER", "^cdp")

	opts, err := GetConsolidatedOptions(json.RawMessage(`{
		"wsEndpoint": "ws://127.0.0.1:9222/devtools/browser/abc",
		"timeout": "10s",
		"navigationGrace": 250,
		"baseURL": "http://base.test/"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", opts.WSEndpoint.String)
	assert.Equal(t, 3*time.Second, opts.Timeout.TimeDuration(), "environment wins over JSON")
	assert.Equal(t, 250*time.Millisecond, opts.NavigationGrace.TimeDuration(), "bare numbers are milliseconds")
	assert.Equal(t, "http://base.test/", opts.BaseURL.String)
	assert.True(t, opts.JSErrors.Bool)
	assert.Equal(t, "^cdp", opts.LogCategoryFilter.String)
	assert.False(t, opts.NavigationTimeout.Valid)
	require.NoError(t, opts.Validate())

	_, err = GetConsolidatedOptions(json.RawMessage(`{"timeout": true}`))
	require.Error(t, err)
}

//nolint:paralleltest // uses t.Setenv
func TestGetConsolidatedOptionsInvalidEnv(t *testing.T) {
	t.Setenv("XK6_CDP_NAVIGATION_TIMEOUT", "soon")

	_, err := GetConsolidatedOptions(nil)
	require.ErrorContains(t, err, "parsing environment options")
}

func TestBrowserOptionsValidate(t *testing.T) {
	t.Parallel()

	valid := func() BrowserOptions {
		opts := NewBrowserOptions()
		opts.WSEndpoint = null.StringFrom("wss://remote.test/devtools/browser/abc")
		return opts
	}

	testCases := []struct {
		name   string
		modify func(*BrowserOptions)
		errMsg string
	}{
		{
			name: "valid",
		},
		{
			name:   "no_endpoint",
			modify: func(o *BrowserOptions) { o.WSEndpoint = null.String{} },
			errMsg: "endpoint is required",
		},
		{
			name:   "http_endpoint",
			modify: func(o *BrowserOptions) { o.WSEndpoint = null.StringFrom("http://127.0.0.1:9222") },
			errMsg: `scheme "http"`,
		},
		{
			name:   "relative_base_url",
			modify: func(o *BrowserOptions) { o.BaseURL = null.StringFrom("/app") },
			errMsg: "must be an absolute URL",
		},
		{
			name:   "negative_duration",
			modify: func(o *BrowserOptions) { o.IdlePoll = types.NullDurationFrom(-time.Second) },
			errMsg: "idlePoll can't be negative",
		},
		{
			name:   "bad_filter",
			modify: func(o *BrowserOptions) { o.LogCategoryFilter = null.StringFrom("(") },
			errMsg: "invalid log category filter",
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			opts := valid()
			if tc.modify != nil {
				tc.modify(&opts)
			}
			err := opts.Validate()
			if tc.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestBrowserOptionsNewLogger(t *testing.T) {
	t.Parallel()

	opts := NewBrowserOptions()
	opts.Debug = null.BoolFrom(true)
	l, err := opts.NewLogger(logrus.New())
	require.NoError(t, err)
	require.NotNil(t, l)

	opts.LogCategoryFilter = null.StringFrom("[")
	_, err = opts.NewLogger(logrus.New())
	require.Error(t, err)
}
