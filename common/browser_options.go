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
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/xk6-cdp/lib/types"
	"github.com/grafana/xk6-cdp/log"
)

// BrowserOptions stores the settings of a browser connection.
type BrowserOptions struct {
	WSEndpoint              null.String        `json:"wsEndpoint" envconfig:"XK6_CDP_WS_ENDPOINT"`
	BaseURL                 null.String        `json:"baseURL,omitempty" envconfig:"XK6_CDP_BASE_URL"`
	Timeout                 types.NullDuration `json:"timeout,omitempty" envconfig:"XK6_CDP_TIMEOUT"`
	NavigationTimeout       types.NullDuration `json:"navigationTimeout,omitempty" envconfig:"XK6_CDP_NAVIGATION_TIMEOUT"`
	NavigationGrace         types.NullDuration `json:"navigationGrace,omitempty" envconfig:"XK6_CDP_NAVIGATION_GRACE"`
	WindowGrace             types.NullDuration `json:"windowGrace,omitempty" envconfig:"XK6_CDP_WINDOW_GRACE"`
	IdlePoll                types.NullDuration `json:"idlePoll,omitempty" envconfig:"XK6_CDP_IDLE_POLL"`
	JSErrors                null.Bool          `json:"jsErrors,omitempty" envconfig:"XK6_CDP_JS_ERRORS"`
	PendingConnectionErrors null.Bool          `json:"pendingConnectionErrors,omitempty" envconfig:"XK6_CDP_PENDING_CONNECTION_ERRORS"`

	// Proxy.
	ProxyServer     null.String `json:"proxyServer,omitempty" envconfig:"XK6_CDP_PROXY_SERVER"`
	ProxyBypassList null.String `json:"proxyBypassList,omitempty" envconfig:"XK6_CDP_PROXY_BYPASS_LIST"`
	ProxyUser       null.String `json:"proxyUser,omitempty" envconfig:"XK6_CDP_PROXY_USER"`
	ProxyPassword   null.String `json:"proxyPassword,omitempty" envconfig:"XK6_CDP_PROXY_PASSWORD"`

	// Logging.
	Debug             null.Bool   `json:"debug,omitempty" envconfig:"XK6_CDP_DEBUG"`
	LogCategoryFilter null.String `json:"logCategoryFilter,omitempty" envconfig:"XK6_CDP_LOG_CATEGORY_FILTER"`
}

// NewBrowserOptions returns the default options.
func NewBrowserOptions() BrowserOptions {
	return BrowserOptions{
		Timeout:                 types.NewNullDuration(DefaultTimeout, false),
		NavigationTimeout:       types.NewNullDuration(DefaultTimeout, false),
		NavigationGrace:         types.NewNullDuration(DefaultNavigationGrace, false),
		WindowGrace:             types.NewNullDuration(DefaultWindowGrace, false),
		IdlePoll:                types.NewNullDuration(DefaultIdlePoll, false),
		PendingConnectionErrors: null.NewBool(true, false),
		LogCategoryFilter:       null.NewString(".*", false),
	}
}

// Apply returns o with the valid values of opts set on top.
//
//nolint:cyclop
func (o BrowserOptions) Apply(opts BrowserOptions) BrowserOptions {
	if opts.WSEndpoint.Valid {
		o.WSEndpoint = opts.WSEndpoint
	}
	if opts.BaseURL.Valid {
		o.BaseURL = opts.BaseURL
	}
	if opts.Timeout.Valid {
		o.Timeout = opts.Timeout
	}
	if opts.NavigationTimeout.Valid {
		o.NavigationTimeout = opts.NavigationTimeout
	}
	if opts.NavigationGrace.Valid {
		o.NavigationGrace = opts.NavigationGrace
	}
	if opts.WindowGrace.Valid {
		o.WindowGrace = opts.WindowGrace
	}
	if opts.IdlePoll.Valid {
		o.IdlePoll = opts.IdlePoll
	}
	if opts.JSErrors.Valid {
		o.JSErrors = opts.JSErrors
	}
	if opts.PendingConnectionErrors.Valid {
		o.PendingConnectionErrors = opts.PendingConnectionErrors
	}
	if opts.ProxyServer.Valid {
		o.ProxyServer = opts.ProxyServer
	}
	if opts.ProxyBypassList.Valid {
		o.ProxyBypassList = opts.ProxyBypassList
	}
	if opts.ProxyUser.Valid {
		o.ProxyUser = opts.ProxyUser
	}
	if opts.ProxyPassword.Valid {
		o.ProxyPassword = opts.ProxyPassword
	}
	if opts.Debug.Valid {
		o.Debug = opts.Debug
	}
	if opts.LogCategoryFilter.Valid {
		o.LogCategoryFilter = opts.LogCategoryFilter
	}
	return o
}

// ParseJSON parses the supplied JSON into BrowserOptions.
func ParseJSON(data json.RawMessage) (BrowserOptions, error) {
	opts := BrowserOptions{}
	err := json.Unmarshal(data, &opts)
	return opts, err
}

// GetConsolidatedOptions combines {default values + JSON config +
// environment vars}, and returns the final result.
func GetConsolidatedOptions(jsonRaw json.RawMessage) (BrowserOptions, error) {
	result := NewBrowserOptions()
	if jsonRaw != nil {
		jsonOpts, err := ParseJSON(jsonRaw)
		if err != nil {
			return result, fmt.Errorf("parsing JSON options: %w", err)
		}
		result = result.Apply(jsonOpts)
	}

	envOpts := BrowserOptions{}
	if err := envconfig.Process("", &envOpts); err != nil {
		return result, fmt.Errorf("parsing environment options: %w", err)
	}
	return result.Apply(envOpts), nil
}

// Validate checks the options are usable.
func (o BrowserOptions) Validate() error {
	var errs []error
	if !o.WSEndpoint.Valid || o.WSEndpoint.String == "" {
		errs = append(errs, errors.New("a browser WebSocket endpoint is required"))
	} else if u, err := url.Parse(o.WSEndpoint.String); err != nil {
		errs = append(errs, fmt.Errorf("invalid WebSocket endpoint: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("invalid WebSocket endpoint scheme %q", u.Scheme))
	}
	if o.BaseURL.String != "" {
		if u, err := url.Parse(o.BaseURL.String); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("base URL %q must be an absolute URL", o.BaseURL.String))
		}
	}
	durations := map[string]types.NullDuration{
		"timeout":           o.Timeout,
		"navigationTimeout": o.NavigationTimeout,
		"navigationGrace":   o.NavigationGrace,
		"windowGrace":       o.WindowGrace,
		"idlePoll":          o.IdlePoll,
	}
	for name, d := range durations {
		if d.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s can't be negative, got %s", name, d.Duration))
		}
	}
	if o.LogCategoryFilter.String != "" {
		if _, err := regexp.Compile(o.LogCategoryFilter.String); err != nil {
			errs = append(errs, fmt.Errorf("invalid log category filter: %w", err))
		}
	}
	return errors.Join(errs...)
}

func durationOr(d types.NullDuration, def time.Duration) time.Duration {
	if !d.Valid {
		return def
	}
	return time.Duration(d.Duration)
}

// timeoutSettings returns the root timeout settings.
func (o BrowserOptions) timeoutSettings() *TimeoutSettings {
	ts := NewTimeoutSettings(nil)
	ts.SetDefaultTimeout(durationOr(o.Timeout, DefaultTimeout))
	if o.NavigationTimeout.Valid {
		ts.SetDefaultNavigationTimeout(time.Duration(o.NavigationTimeout.Duration))
	}
	return ts
}

func (o BrowserOptions) pageOptions() PageOptions {
	return PageOptions{
		BaseURL:                 o.BaseURL.String,
		NavigationGrace:         durationOr(o.NavigationGrace, DefaultNavigationGrace),
		IdlePoll:                durationOr(o.IdlePoll, DefaultIdlePoll),
		JSErrors:                o.JSErrors.Bool,
		PendingConnectionErrors: !o.PendingConnectionErrors.Valid || o.PendingConnectionErrors.Bool,
		ProxyUser:               o.ProxyUser.String,
		ProxyPassword:           o.ProxyPassword.String,
	}
}

func (o BrowserOptions) contextOptions() *ContextOptions {
	return &ContextOptions{
		ProxyServer:     o.ProxyServer.String,
		ProxyBypassList: o.ProxyBypassList.String,
	}
}

// NewLogger wraps l in a category logger honoring the debug and category
// filter options.
func (o BrowserOptions) NewLogger(l *logrus.Logger) (*log.Logger, error) {
	var filter *regexp.Regexp
	if o.LogCategoryFilter.String != "" {
		var err error
		if filter, err = regexp.Compile(o.LogCategoryFilter.String); err != nil {
			return nil, fmt.Errorf("invalid log category filter: %w", err)
		}
	}
	return log.New(l, o.Debug.Bool, filter), nil
}
